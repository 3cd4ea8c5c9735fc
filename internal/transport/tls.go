package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/iudanet/pairsync/internal/identity"
	"github.com/iudanet/pairsync/internal/models"
	"github.com/iudanet/pairsync/internal/truststore"
)

const (
	// dialTimeout таймаут одной попытки установления соединения
	dialTimeout = 10 * time.Second

	// dialMaxRetries ограниченное число повторов при dial: никакого
	// retry forever, терминальная ошибка всплывает к оператору
	dialMaxRetries = 3
)

// Dialer открывает исходящие сессии
type Dialer interface {
	// Open устанавливает аутентифицированную сессию с закрепленным
	// peer-ом по адресу addr. Несовпадение сертификата с закрепленным
	// отпечатком — ErrAuthentication; недоступность — ErrUnreachable.
	Open(ctx context.Context, peer *models.PeerIdentity, addr string) (Session, error)

	// OpenUntrusted устанавливает сессию с еще не спаренным устройством
	// (только для pairing bootstrap): сертификат принимается любой и
	// возвращается вызывающему для проверки PIN-доказательством.
	OpenUntrusted(ctx context.Context, addr string) (Session, error)
}

// TLSDialer реализация Dialer поверх mutual TLS
type TLSDialer struct {
	id     *identity.Identity
	logger *slog.Logger
}

// NewDialer creates a new TLS dialer using the installation identity
func NewDialer(id *identity.Identity, logger *slog.Logger) *TLSDialer {
	return &TLSDialer{id: id, logger: logger}
}

// Open устанавливает сессию с закрепленным peer-ом
func (d *TLSDialer) Open(ctx context.Context, peer *models.PeerIdentity, addr string) (Session, error) {
	if peer == nil || len(peer.Fingerprint) == 0 {
		return nil, ErrAuthentication
	}

	conn, err := d.dialTLS(ctx, addr, peer.Fingerprint)
	if err != nil {
		return nil, err
	}

	return newConnSession(conn, *peer, peerCertDER(conn), true), nil
}

// OpenUntrusted устанавливает сессию для pairing bootstrap
func (d *TLSDialer) OpenUntrusted(ctx context.Context, addr string) (Session, error) {
	conn, err := d.dialTLS(ctx, addr, nil)
	if err != nil {
		return nil, err
	}

	return newConnSession(conn, models.PeerIdentity{}, peerCertDER(conn), false), nil
}

// dialTLS устанавливает TLS-соединение с ограниченным числом повторов
// и экспоненциальным backoff между ними
func (d *TLSDialer) dialTLS(ctx context.Context, addr string, pinned []byte) (*tls.Conn, error) {
	cert, err := d.id.TLSCertificate()
	if err != nil {
		return nil, fmt.Errorf("failed to load own certificate: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		// Самоподписанные сертификаты: цепочку не проверяем,
		// подлинность дает закрепленный отпечаток
		InsecureSkipVerify: true, //nolint:gosec // pinning в VerifyPeerCertificate
	}
	if pinned != nil {
		cfg.VerifyPeerCertificate = pinVerifier(pinned)
	}

	var conn *tls.Conn

	operation := func() error {
		dialer := &net.Dialer{Timeout: dialTimeout}

		rawConn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			d.logger.Debug("dial attempt failed", "addr", addr, "error", err)
			return err
		}

		tlsConn := tls.Client(rawConn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			rawConn.Close()
			// Несовпадение закрепленного отпечатка — не повод для retry
			if errors.Is(err, ErrAuthentication) {
				return backoff.Permanent(ErrAuthentication)
			}
			return err
		}

		conn = tlsConn
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), dialMaxRetries),
		ctx,
	)

	if err := backoff.Retry(operation, policy); err != nil {
		if errors.Is(err, ErrAuthentication) {
			return nil, ErrAuthentication
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrUnreachable, addr, err)
	}

	return conn, nil
}

// Listener принимает входящие сессии
type Listener struct {
	inner  net.Listener
	trust  truststore.Storage
	logger *slog.Logger
}

// NewListener starts a TLS listener on addr using the installation
// identity. Incoming certificates are resolved against the trust store
// after the handshake: unknown certificates yield untrusted sessions,
// which the accept loop admits for pairing only.
func NewListener(id *identity.Identity, trust truststore.Storage, addr string, logger *slog.Logger) (*Listener, error) {
	cert, err := id.TLSCertificate()
	if err != nil {
		return nil, fmt.Errorf("failed to load own certificate: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		ClientAuth:   tls.RequireAnyClientCert,
		// Цепочку не проверяем (самоподписанные сертификаты), но окно
		// действия обязательно: истекший сертификат закрепленного peer-а
		// не должен открывать доверенную сессию
		VerifyPeerCertificate: verifyValidityWindow,
	}

	inner, err := tls.Listen("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	return &Listener{inner: inner, trust: trust, logger: logger}, nil
}

// Accept блокируется до следующей входящей сессии
func (l *Listener) Accept(ctx context.Context) (Session, error) {
	conn, err := l.inner.Accept()
	if err != nil {
		return nil, fmt.Errorf("accept failed: %w", err)
	}

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		conn.Close()
		return nil, ErrProtocol
	}

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}

	certDER := peerCertDER(tlsConn)
	if certDER == nil {
		conn.Close()
		return nil, ErrAuthentication
	}

	fp := identity.Fingerprint(certDER)

	peer, err := l.trust.FindByFingerprint(ctx, fp)
	if err != nil {
		if errors.Is(err, truststore.ErrPeerNotFound) {
			// Неизвестный сертификат: сессия допускается только до
			// pairing-обмена, sync на ней будет отвергнут
			l.logger.Debug("accepted untrusted connection", "remote", conn.RemoteAddr())
			return newConnSession(tlsConn, models.PeerIdentity{}, certDER, false), nil
		}
		conn.Close()
		return nil, err
	}

	l.logger.Debug("accepted trusted connection", "peer_id", peer.PeerID, "remote", conn.RemoteAddr())
	return newConnSession(tlsConn, *peer, certDER, true), nil
}

// Addr возвращает адрес, на котором слушает listener
func (l *Listener) Addr() net.Addr {
	return l.inner.Addr()
}

// Close останавливает listener
func (l *Listener) Close() error {
	return l.inner.Close()
}

// verifyValidityWindow отклоняет сертификаты вне окна NotBefore/NotAfter.
// Используется обеими сторонами: listener проверяет только окно
// (отпечаток сверяется с trust store после handshake), dial-сторона —
// окно плюс закрепленный отпечаток.
func verifyValidityWindow(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return ErrAuthentication
	}

	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return ErrAuthentication
	}

	now := time.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return ErrAuthentication
	}

	return nil
}

// pinVerifier проверяет, что предъявленный сертификат совпадает с
// закрепленным отпечатком и действует в текущий момент
func pinVerifier(pinned []byte) func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, chains [][]*x509.Certificate) error {
		if err := verifyValidityWindow(rawCerts, chains); err != nil {
			return err
		}

		if !bytes.Equal(identity.Fingerprint(rawCerts[0]), pinned) {
			return ErrAuthentication
		}

		return nil
	}
}

// peerCertDER возвращает DER первого сертификата собеседника
func peerCertDER(conn *tls.Conn) []byte {
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil
	}
	return state.PeerCertificates[0].Raw
}
