package mailer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMailbox(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Mailbox
		wantErr bool
	}{
		{name: "simple", input: "user@example.com", want: Mailbox{"user", "example.com"}},
		{name: "dots in local", input: "first.last@example.com", want: Mailbox{"first.last", "example.com"}},
		{name: "subdomain", input: "user@mail.example.com", want: Mailbox{"user", "mail.example.com"}},
		{name: "plus tag", input: "user+tag@example.com", want: Mailbox{"user+tag", "example.com"}},
		{name: "quoted local", input: `"user@host"@example.com`, want: Mailbox{`"user@host"`, "example.com"}},
		{name: "ip literal domain", input: "user@[192.168.1.1]", want: Mailbox{"user", "[192.168.1.1]"}},
		{name: "empty", input: "", wantErr: true},
		{name: "no at", input: "userexample.com", wantErr: true},
		{name: "empty local", input: "@example.com", wantErr: true},
		{name: "empty domain", input: "user@", wantErr: true},
		{name: "leading dot in local", input: ".user@example.com", wantErr: true},
		{name: "trailing dot in local", input: "user.@example.com", wantErr: true},
		{name: "consecutive dots", input: "user..name@example.com", wantErr: true},
		{name: "local too long", input: string(make([]byte, 65)) + "@example.com", wantErr: true},
		{name: "domain leading dot", input: "user@.example.com", wantErr: true},
		{name: "domain trailing dot", input: "user@example.com.", wantErr: true},
		{name: "domain label leading hyphen", input: "user@-example.com", wantErr: true},
		{name: "domain label trailing hyphen", input: "user@example-.com", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMailbox(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseMailbox(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseMailbox(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		input   string
		want    Address
		wantErr bool
	}{
		{input: "user@example.com", want: Address{Email: "user@example.com"}},
		{input: "  user@example.com  ", want: Address{Email: "user@example.com"}},
		{input: "Jane Doe <jane@example.com>", want: Address{Name: "Jane Doe", Email: "jane@example.com"}},
		{input: `"Doe, Jane" <jane@example.com>`, want: Address{Name: "Doe, Jane", Email: "jane@example.com"}},
		{input: "<jane@example.com>", want: Address{Email: "jane@example.com"}},
		{input: "jane@example.com (Jane Doe)", want: Address{Name: "Jane Doe", Email: "jane@example.com"}},
		{input: "", wantErr: true},
		{input: "Jane <not-an-address>", wantErr: true},
		{input: "jane@example.com>", wantErr: true},
		{input: "jane@example.com)", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseAddress(tt.input)
		if tt.wantErr {
			assert.Error(t, err, "ParseAddress(%q)", tt.input)
			continue
		}
		require.NoError(t, err, "ParseAddress(%q)", tt.input)
		assert.Equal(t, tt.want, got, "ParseAddress(%q)", tt.input)
	}
}

func TestAddress_String(t *testing.T) {
	assert.Equal(t, "a@example.com", Address{Email: "a@example.com"}.String())
	assert.Equal(t, "Ann <a@example.com>", Address{Name: "Ann", Email: "a@example.com"}.String())
}

func TestParseAddressList(t *testing.T) {
	got, err := ParseAddressList([]string{"a@example.com", "Bob <b@example.com>"})
	require.NoError(t, err)
	assert.Equal(t, []Address{{Email: "a@example.com"}, {Name: "Bob", Email: "b@example.com"}}, got)

	_, err = ParseAddressList([]string{"a@example.com", "broken"})
	assert.Error(t, err)
}

func TestParsePath(t *testing.T) {
	null, err := ParsePath("<>")
	require.NoError(t, err)
	assert.True(t, null.IsZero())
	assert.Equal(t, "<>", null.Path())

	m, err := ParsePath("<user@example.com>")
	require.NoError(t, err)
	assert.Equal(t, "<user@example.com>", m.Path())

	m, err = ParsePath(" user@example.com ")
	require.NoError(t, err)
	assert.Equal(t, Mailbox{"user", "example.com"}, m)

	_, err = ParsePath("<not an address>")
	assert.Error(t, err)
}

func TestParseMailbox_AddressLiterals(t *testing.T) {
	for _, ok := range []string{"u@[192.0.2.1]", "u@[IPv6:2001:db8::1]"} {
		_, err := ParseMailbox(ok)
		assert.NoError(t, err, ok)
	}
	for _, bad := range []string{"u@[192.0.2.1", "u@[300.1.1.1]", "u@[IPv6:192.0.2.1]", "u@[2001:db8::1]", "u@[bogus]"} {
		_, err := ParseMailbox(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseMailbox_QuotedLocalPart(t *testing.T) {
	_, err := ParseMailbox(`"a\"b"@example.com`)
	assert.NoError(t, err)
	_, err = ParseMailbox(`"a"b"@example.com`)
	assert.Error(t, err)
	_, err = ParseMailbox(`"ab\"@example.com`)
	assert.Error(t, err)
}

func TestMailbox_NeedsSMTPUTF8(t *testing.T) {
	ascii, err := ParseMailbox("user@example.com")
	require.NoError(t, err)
	assert.False(t, ascii.NeedsSMTPUTF8())

	intl, err := ParseMailbox("user@bücher.example")
	require.NoError(t, err)
	assert.True(t, intl.NeedsSMTPUTF8())
}
