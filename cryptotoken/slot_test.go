package cryptotoken

import (
	"crypto/x509"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlot_Refresh(t *testing.T) {
	ca := newTestCA(t)
	leaf := ca.issue(t, "rsa", rsaKey.Public())
	other := ca.issue(t, "other", ca.key.Public())

	fs := &fakeSlot{
		id:    SlotID{Index: 0, ID: 5},
		keys:  []*fakeKey{newRSAKey("rsa"), newECKey("ec")},
		certs: []*x509.Certificate{other, leaf, ca.cert},
	}
	s := &Slot{id: fs.id, backend: fs}
	require.NoError(t, s.Refresh(nil, AllMechanisms(), 1))
	defer s.close()

	assert.Len(t, s.Identities(), 2)
	assert.Len(t, s.Certificates(), 3)

	id := s.Find(KeyByLabel("rsa"))
	require.NotNil(t, id)
	chain := id.CertificateChain()
	require.Len(t, chain, 2)
	assert.Equal(t, leaf, chain[0])
	assert.Equal(t, ca.cert, chain[1])

	ec := s.Find(KeyByLabel("ec"))
	require.NotNil(t, ec)
	assert.Empty(t, ec.CertificateChain())
	assert.Nil(t, s.Find(KeyByLabel("missing")))

	// refresh replaces identities
	require.NoError(t, s.Refresh(nil, AllMechanisms(), 1))
	assert.NotSame(t, id, s.Find(KeyByLabel("rsa")))
	assert.Equal(t, 0, id.pool.available())
}

func TestSlot_RefreshErrors(t *testing.T) {
	fs := &fakeSlot{
		id:      SlotID{Index: 0, ID: 5},
		keysErr: CommunicationError(errors.New("CKR_DEVICE_REMOVED")),
	}
	s := &Slot{id: fs.id, backend: fs}
	err := s.Refresh(nil, AllMechanisms(), 1)
	assert.True(t, IsCommunicationError(err))

	broken := newRSAKey("broken")
	e := broken.entry()
	fs = &fakeSlot{id: SlotID{Index: 1, ID: 6}, keys: []*fakeKey{broken, newECKey("ok")}}
	s = &Slot{id: fs.id, backend: &openFailSlot{fakeSlot: fs, fail: e.ID}}
	require.NoError(t, s.Refresh(nil, AllMechanisms(), 2))
	defer s.close()
	require.Len(t, s.Identities(), 1)
	assert.Equal(t, "ok", s.Identities()[0].KeyID().Label)
}

// openFailSlot fails to open contexts for one key
type openFailSlot struct {
	*fakeSlot
	fail KeyID
}

func (s *openFailSlot) Keys() ([]*KeyEntry, error) {
	keys, err := s.fakeSlot.Keys()
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if k.ID.Matches(s.fail) {
			k.Open = func() (Context, error) {
				return nil, errors.New("CKR_SESSION_COUNT")
			}
		}
	}
	return keys, nil
}
