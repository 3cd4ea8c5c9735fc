// Package transport реализует аутентифицированный упорядоченный канал
// между двумя спаренными peer-ами: mutual TLS с закреплением отпечатков
// сертификатов из trust store, поверх — кадры CBOR с префиксом длины.
// Неизвестный или истекший сертификат означает немедленный отказ в
// соединении, никогда — тихое понижение до неаутентифицированного канала.
package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iudanet/pairsync/internal/models"
	"github.com/iudanet/pairsync/internal/wire"
)

// defaultIOTimeout ограничивает каждую операцию Send/Receive, когда у
// контекста нет собственного дедлайна: точки блокировки всегда ограничены.
const defaultIOTimeout = 30 * time.Second

// Session аутентифицированная упорядоченная сессия с peer-ом.
// Оркестратор не предполагает, что сессия переживет весь раунд:
// прогресс фиксируется durable-курсорами после каждого changeset.
type Session interface {
	// Send отправляет один кадр
	Send(ctx context.Context, frame *wire.Frame) error

	// Receive блокируется до получения следующего кадра
	Receive(ctx context.Context) (*wire.Frame, error)

	// Peer возвращает закрепленную личность собеседника.
	// Для еще не спаренных соединений (pairing bootstrap) личность
	// пуста, а Trusted() возвращает false.
	Peer() models.PeerIdentity

	// Trusted сообщает, закреплен ли сертификат собеседника
	Trusted() bool

	// PeerCertDER возвращает DER сертификата, предъявленного в TLS
	PeerCertDER() []byte

	Close() error
}

// connSession реализация Session поверх net.Conn (tls.Conn)
type connSession struct {
	conn        net.Conn
	peer        models.PeerIdentity
	peerCertDER []byte
	writeMu     sync.Mutex
	readMu      sync.Mutex
	closeOnce   sync.Once
	closed      atomic.Bool
	trusted     bool
}

func newConnSession(conn net.Conn, peer models.PeerIdentity, peerCertDER []byte, trusted bool) *connSession {
	return &connSession{
		conn:        conn,
		peer:        peer,
		peerCertDER: peerCertDER,
		trusted:     trusted,
	}
}

func (s *connSession) Send(ctx context.Context, frame *wire.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed.Load() {
		return ErrSessionClosed
	}

	if err := s.conn.SetWriteDeadline(ioDeadline(ctx)); err != nil {
		return ErrSessionClosed
	}

	if err := writeFrame(s.conn, frame); err != nil {
		return err
	}

	return nil
}

func (s *connSession) Receive(ctx context.Context) (*wire.Frame, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if s.closed.Load() {
		return nil, ErrSessionClosed
	}

	if err := s.conn.SetReadDeadline(ioDeadline(ctx)); err != nil {
		return nil, ErrSessionClosed
	}

	return readFrame(s.conn)
}

func (s *connSession) Peer() models.PeerIdentity {
	return s.peer
}

func (s *connSession) Trusted() bool {
	return s.trusted
}

func (s *connSession) PeerCertDER() []byte {
	return s.peerCertDER
}

func (s *connSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err = s.conn.Close()
	})
	return err
}

// ioDeadline вычисляет дедлайн операции: из контекста, если он задан,
// иначе — ограниченный таймаут по умолчанию
func ioDeadline(ctx context.Context) time.Time {
	if deadline, ok := ctx.Deadline(); ok {
		return deadline
	}
	return time.Now().Add(defaultIOTimeout)
}
