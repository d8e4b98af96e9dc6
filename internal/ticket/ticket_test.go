package ticket_test

import (
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/openboard/notify/internal/ticket"
	"github.com/stretchr/testify/assert"
)

func TestSignVerify(t *testing.T) {

	t.Parallel()

	id := uuid.New().String()
	issuedAt := time.Now().UnixMilli()
	nonce := uuid.New().String()
	secret := "testsecret"

	sig := ticket.Sign(id, issuedAt, nonce, secret)

	assert.NotEqual(t, "", sig)

	// deterministic
	assert.Equal(t, sig, ticket.Sign(id, issuedAt, nonce, secret))

	assert.True(t, ticket.Verify(id, issuedAt, nonce, sig, secret))
}

func TestVerifyTamperedFields(t *testing.T) {

	t.Parallel()

	id := uuid.New().String()
	issuedAt := time.Now().UnixMilli()
	nonce := uuid.New().String()
	secret := "testsecret"

	sig := ticket.Sign(id, issuedAt, nonce, secret)

	assert.False(t, ticket.Verify("x"+id[1:], issuedAt, nonce, sig, secret))
	assert.False(t, ticket.Verify(id, issuedAt+1, nonce, sig, secret))
	assert.False(t, ticket.Verify(id, issuedAt, "x"+nonce[1:], sig, secret))
	assert.False(t, ticket.Verify(id, issuedAt, nonce, sig, "othersecret"))

	// flip each character of the signature in turn
	for i := 0; i < len(sig); i++ {
		flipped := []byte(sig)
		if flipped[i] == 'A' {
			flipped[i] = 'B'
		} else {
			flipped[i] = 'A'
		}
		assert.False(t, ticket.Verify(id, issuedAt, nonce, string(flipped), secret))
	}
}

func TestVerifyMalformedInput(t *testing.T) {

	t.Parallel()

	// must return false, not panic
	assert.False(t, ticket.Verify("", 0, "", "", ""))
	assert.False(t, ticket.Verify("id", 0, "nonce", "", "secret"))
	assert.False(t, ticket.Verify("id", 0, "", "sig", "secret"))
	assert.False(t, ticket.Verify("", 0, "nonce", "sig", "secret"))
	assert.False(t, ticket.Verify("id", 0, "nonce", "not base64 at all!!", "secret"))
}

func TestVerifyFresh(t *testing.T) {

	t.Parallel()

	secret := "testsecret"

	tk := ticket.New(uuid.New().String(), secret)

	assert.True(t, ticket.VerifyFresh(tk.ConnectionID, tk.IssuedAt, tk.Nonce, tk.Signature, secret, time.Minute))

	// stale ticket, valid signature
	id := uuid.New().String()
	nonce := uuid.New().String()
	old := time.Now().Add(-5 * time.Minute).UnixMilli()
	sig := ticket.Sign(id, old, nonce, secret)

	assert.True(t, ticket.Verify(id, old, nonce, sig, secret))
	assert.False(t, ticket.VerifyFresh(id, old, nonce, sig, secret, time.Minute))

	// zero maxAge disables the freshness check
	assert.True(t, ticket.VerifyFresh(id, old, nonce, sig, secret, 0))

	// future timestamps outside the window are rejected too
	future := time.Now().Add(5 * time.Minute).UnixMilli()
	fsig := ticket.Sign(id, future, nonce, secret)
	assert.False(t, ticket.VerifyFresh(id, future, nonce, fsig, secret, time.Minute))
}

func TestFromQuery(t *testing.T) {

	t.Parallel()

	secret := "testsecret"

	tk := ticket.New(uuid.New().String(), secret)

	got, err := ticket.FromQuery(tk.Query())
	assert.NoError(t, err)
	assert.Equal(t, tk, got)

	// each field missing in turn
	for _, field := range []string{"uuid", "timestamp", "nonce", "signature"} {
		q := tk.Query()
		q.Del(field)
		_, err := ticket.FromQuery(q)
		assert.Error(t, err, "should reject query missing %s", field)
	}

	q := tk.Query()
	q.Set("timestamp", "not-a-number")
	_, err = ticket.FromQuery(q)
	assert.Error(t, err)

	_, err = ticket.FromQuery(url.Values{})
	assert.Error(t, err)
}
