package transport

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/pairsync/internal/identity"
	"github.com/iudanet/pairsync/internal/wire"
)

func TestHello_BuildVerify(t *testing.T) {
	clock := clockwork.NewFakeClock()

	id, err := identity.Generate("field-device")
	require.NoError(t, err)

	der, err := id.CertDER()
	require.NoError(t, err)

	hello, err := BuildHello(id, clock)
	require.NoError(t, err)
	assert.Equal(t, wire.ProtocolVersion, hello.ProtocolVersion)
	assert.Equal(t, "field-device", hello.DisplayName)

	assert.NoError(t, VerifyHello(hello, der, id.DeviceID, clock))
}

func TestHello_Expired(t *testing.T) {
	clock := clockwork.NewFakeClock()

	id, err := identity.Generate("field-device")
	require.NoError(t, err)

	der, err := id.CertDER()
	require.NoError(t, err)

	hello, err := BuildHello(id, clock)
	require.NoError(t, err)

	clock.Advance(helloTokenTTL + time.Second)

	err = VerifyHello(hello, der, id.DeviceID, clock)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestHello_WrongKey(t *testing.T) {
	clock := clockwork.NewFakeClock()

	signer, err := identity.Generate("field-device")
	require.NoError(t, err)

	impostor, err := identity.Generate("impostor")
	require.NoError(t, err)

	impostorDER, err := impostor.CertDER()
	require.NoError(t, err)

	hello, err := BuildHello(signer, clock)
	require.NoError(t, err)

	// Токен подписан не тем ключом, что предъявлен в TLS
	err = VerifyHello(hello, impostorDER, signer.DeviceID, clock)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestHello_PeerIDMismatch(t *testing.T) {
	clock := clockwork.NewFakeClock()

	id, err := identity.Generate("field-device")
	require.NoError(t, err)

	der, err := id.CertDER()
	require.NoError(t, err)

	hello, err := BuildHello(id, clock)
	require.NoError(t, err)

	err = VerifyHello(hello, der, "someone-else", clock)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestHello_VersionMismatch(t *testing.T) {
	clock := clockwork.NewFakeClock()

	id, err := identity.Generate("field-device")
	require.NoError(t, err)

	der, err := id.CertDER()
	require.NoError(t, err)

	hello, err := BuildHello(id, clock)
	require.NoError(t, err)
	hello.ProtocolVersion = 99

	err = VerifyHello(hello, der, id.DeviceID, clock)
	assert.ErrorIs(t, err, ErrProtocol)
}
