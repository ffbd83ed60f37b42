package authfn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wsbridge/wsbridge/internal/wsx"
)

func TestStatic(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)

	fn := Static("alice", hash)

	tests := []struct {
		name     string
		username string
		secret   string
		want     bool
	}{
		{name: "valid credentials", username: "alice", secret: "s3cret", want: true},
		{name: "wrong secret", username: "alice", secret: "nope", want: false},
		{name: "wrong username", username: "bob", secret: "s3cret", want: false},
		{name: "empty credentials", username: "", secret: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			creds := wsx.Credentials{Username: tt.username, Secret: tt.secret}
			got := fn("cid", "basic_auth", creds, "sec", "", nil, nil)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPlain(t *testing.T) {
	fn := Plain("alice", "s3cret")

	assert.True(t, fn("cid", "basic_auth", wsx.Credentials{Username: "alice", Secret: "s3cret"}, "sec", "", nil, nil))
	assert.False(t, fn("cid", "basic_auth", wsx.Credentials{Username: "alice", Secret: "wrong"}, "sec", "", nil, nil))
	assert.False(t, fn("cid", "basic_auth", wsx.Credentials{Username: "mallory", Secret: "s3cret"}, "sec", "", nil, nil))
}

func TestHashPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	require.NotEmpty(t, hash)
	assert.NotEqual(t, "hunter2", hash)

	fn := Static("user", hash)
	assert.True(t, fn("cid", "basic_auth", wsx.Credentials{Username: "user", Secret: "hunter2"}, "sec", "", nil, nil))
}
