package transport

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"github.com/iudanet/pairsync/internal/identity"
	"github.com/iudanet/pairsync/internal/wire"
)

// helloTokenTTL срок жизни session hello токена
const helloTokenTTL = 2 * time.Minute

// BuildHello собирает первый кадр сессии: короткоживущий EdDSA JWT,
// подписанный ключом установки. TLS уже аутентифицировал канал;
// токен дополнительно привязывает сессию к владению приватным ключом
// и переносит версию протокола и display name.
func BuildHello(id *identity.Identity, clock clockwork.Clock) (*wire.Hello, error) {
	priv, err := id.PrivateKey()
	if err != nil {
		return nil, err
	}

	now := clock.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    "pairsync",
		Subject:   id.DeviceID,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(helloTokenTTL)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to sign hello token: %w", err)
	}

	return &wire.Hello{
		Token:           signed,
		DisplayName:     id.DisplayName,
		ProtocolVersion: wire.ProtocolVersion,
	}, nil
}

// VerifyHello проверяет hello собеседника: версию протокола, подпись
// токена ключом из предъявленного в TLS сертификата и совпадение
// subject с ожидаемым peer id. Любое несоответствие — ErrAuthentication.
func VerifyHello(hello *wire.Hello, peerCertDER []byte, expectedPeerID string, clock clockwork.Clock) error {
	if hello == nil || hello.ProtocolVersion != wire.ProtocolVersion {
		return fmt.Errorf("%w: protocol version mismatch", ErrProtocol)
	}

	pub, err := identity.PublicKeyFromCertDER(peerCertDER)
	if err != nil {
		return ErrAuthentication
	}

	token, err := jwt.ParseWithClaims(hello.Token, &jwt.RegisteredClaims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return pub, nil
		},
		jwt.WithTimeFunc(clock.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return ErrAuthentication
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject != expectedPeerID {
		return ErrAuthentication
	}

	return nil
}
