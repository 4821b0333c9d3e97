package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/tabula/tables"
	"github.com/drpcorg/tabula/tabula_errors"
)

func TestVerifyIssuedToken(t *testing.T) {
	v := NewInstanceVerifier("happy-otter-42", []byte("secret"))
	token, err := v.Issue("user-1", []string{"editor"}, false, time.Minute)
	require.NoError(t, err)

	who, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", who.Subject)
	assert.Equal(t, "happy-otter-42", who.Issuer)
	assert.Equal(t, []string{"editor"}, who.Roles)
	assert.False(t, who.Admin)
	assert.False(t, who.System)
}

func TestVerifyRejects(t *testing.T) {
	v := NewInstanceVerifier("instance-a", []byte("secret"))

	t.Run("garbage", func(t *testing.T) {
		_, err := v.Verify(context.Background(), "not.a.token")
		assert.ErrorIs(t, err, tabula_errors.ErrAuth)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewInstanceVerifier("instance-a", []byte("other"))
		token, err := other.Issue("u", nil, false, time.Minute)
		require.NoError(t, err)
		_, err = v.Verify(context.Background(), token)
		assert.ErrorIs(t, err, tabula_errors.ErrAuth)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other := NewInstanceVerifier("instance-b", []byte("secret"))
		token, err := other.Issue("u", nil, false, time.Minute)
		require.NoError(t, err)
		_, err = v.Verify(context.Background(), token)
		assert.ErrorIs(t, err, tabula_errors.ErrAuth)
	})

	t.Run("expired", func(t *testing.T) {
		token, err := v.Issue("u", nil, false, -time.Minute)
		require.NoError(t, err)
		_, err = v.Verify(context.Background(), token)
		assert.ErrorIs(t, err, tabula_errors.ErrAuth)
	})
}

func TestResolverWrapsErrors(t *testing.T) {
	r := NewResolver(NewInstanceVerifier("i", []byte("s")))
	_, err := r.Resolve(context.Background(), "bogus")
	assert.ErrorIs(t, err, tabula_errors.ErrAuth)
}

func TestTableACL(t *testing.T) {
	open := &tables.Table{Name: "posts"}
	gated := &tables.Table{Name: "posts", ACL: tables.ACL{
		Read:  []string{"reader", "editor"},
		Write: []string{"editor"},
	}}
	system := &tables.Table{Name: "_meta"}
	shared := &tables.Table{Name: "_jobs", Shared: true}

	reader := Identity{Subject: "r", Roles: []string{"reader"}}
	editor := Identity{Subject: "e", Roles: []string{"editor"}}
	nobody := Identity{Subject: "n"}
	admin := Identity{Subject: "a", Admin: true}

	// empty ACL admits any authenticated identity
	assert.True(t, CanRead(nobody, open))
	assert.True(t, CanWrite(nobody, open))

	assert.True(t, CanRead(reader, gated))
	assert.False(t, CanWrite(reader, gated))
	assert.True(t, CanRead(editor, gated))
	assert.True(t, CanWrite(editor, gated))
	assert.False(t, CanRead(nobody, gated))
	assert.False(t, CanWrite(nobody, gated))

	// reserved tables are off-limits no matter the roles
	assert.False(t, CanRead(editor, system))
	assert.False(t, CanWrite(editor, system))
	assert.True(t, CanRead(admin, system))
	assert.True(t, CanWrite(admin, system))
	assert.True(t, CanRead(SystemIdentity, system))
	assert.True(t, CanWrite(SystemIdentity, system))

	// a shared reserved table falls back to its ACL
	assert.True(t, CanRead(nobody, shared))
	assert.True(t, CanWrite(nobody, shared))
}
