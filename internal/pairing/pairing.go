// Package pairing реализует одноразовый trust bootstrap между двумя
// установками без третьей стороны: короткоживущий PIN, привязанный к
// сертификату выпустившего устройства, и взаимное HMAC-доказательство
// знания PIN поверх транскрипта из отпечатков обоих сертификатов.
// Явная двухфазная машина состояний: PIN выпущен → PIN употреблен →
// сертификат закреплен. Никакого trust-on-first-use.
package pairing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/iudanet/pairsync/internal/audit"
	"github.com/iudanet/pairsync/internal/identity"
	"github.com/iudanet/pairsync/internal/models"
	"github.com/iudanet/pairsync/internal/transport"
	"github.com/iudanet/pairsync/internal/truststore"
	"github.com/iudanet/pairsync/internal/validation"
	"github.com/iudanet/pairsync/internal/wire"
)

// Pairing errors
var (
	// ErrAuthentication indicates a wrong, expired or already used PIN;
	// nothing is stored and the connection is dropped
	ErrAuthentication = errors.New("pairing authentication failed")

	// ErrNoPinIssued indicates an incoming pair request while no PIN is active
	ErrNoPinIssued = errors.New("no pairing pin issued")
)

// Pin выпущенный PIN с моментом истечения
type Pin struct {
	ExpiresAt time.Time `json:"expires_at"`
	Code      string    `json:"pin"`
}

// issuedPin состояние активного PIN. Живет только в памяти: рестарт
// процесса инвалидирует PIN, что безопаснее его персистентности.
type issuedPin struct {
	expiresAt time.Time
	code      string
	attempts  int
	used      bool
}

// Service управляет жизненным циклом PIN и обеими сторонами
// pairing-обмена. Срок жизни PIN соблюдается независимо от состояния
// каких-либо сессий.
type Service struct {
	id     *identity.Identity
	trust  truststore.Storage
	dialer transport.Dialer
	clock  clockwork.Clock
	events audit.Events
	logger *slog.Logger

	mu     sync.Mutex
	active *issuedPin
}

// NewService creates a new pairing service
func NewService(
	id *identity.Identity,
	trust truststore.Storage,
	dialer transport.Dialer,
	clock clockwork.Clock,
	events audit.Events,
	logger *slog.Logger,
) *Service {
	return &Service{
		id:     id,
		trust:  trust,
		dialer: dialer,
		clock:  clock,
		events: events,
		logger: logger,
	}
}

// GeneratePin выпускает новый одноразовый PIN. Повторный вызов
// инвалидирует предыдущий PIN.
func (s *Service) GeneratePin() (*Pin, error) {
	code, err := generatePinCode()
	if err != nil {
		return nil, err
	}

	expiresAt := s.clock.Now().Add(PinTTL)

	s.mu.Lock()
	s.active = &issuedPin{code: code, expiresAt: expiresAt}
	s.mu.Unlock()

	s.logger.Info("pairing pin issued", "expires_at", expiresAt)

	return &Pin{Code: code, ExpiresAt: expiresAt}, nil
}

// ConsumePin выполняет pairing со стороны присоединяющегося устройства:
// устанавливает сессию с addr, доказывает знание PIN и, получив
// встречное доказательство, закрепляет сертификат собеседника.
func (s *Service) ConsumePin(ctx context.Context, pin, addr string) (*models.PeerIdentity, error) {
	sess, err := s.dialer.OpenUntrusted(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	issuerDER := sess.PeerCertDER()
	if issuerDER == nil {
		return nil, ErrAuthentication
	}

	ownDER, err := s.id.CertDER()
	if err != nil {
		return nil, err
	}

	joinerFP := identity.Fingerprint(ownDER)
	issuerFP := identity.Fingerprint(issuerDER)

	joinerKey, issuerKey, err := deriveProofKeys(pin, joinerFP, issuerFP)
	if err != nil {
		return nil, err
	}

	req := &wire.Frame{
		Type: wire.TypePairRequest,
		PairRequest: &wire.PairRequest{
			DisplayName: s.id.DisplayName,
			Certificate: ownDER,
			Proof:       proof(joinerKey, joinerFP, issuerFP),
		},
	}
	if err := sess.Send(ctx, req); err != nil {
		return nil, err
	}

	frame, err := sess.Receive(ctx)
	if err != nil {
		return nil, err
	}

	switch frame.Type {
	case wire.TypePairResponse:
	case wire.TypeError:
		return nil, fmt.Errorf("%w: %s", ErrAuthentication, frame.Err.Message)
	default:
		return nil, transport.ErrProtocol
	}

	resp := frame.PairResponse
	if resp == nil || !verifyProof(issuerKey, joinerFP, issuerFP, resp.Proof) {
		// Собеседник не доказал знание PIN — сертификат не закрепляем
		return nil, ErrAuthentication
	}

	peer := &models.PeerIdentity{
		PeerID:      identity.PeerIDFromFingerprint(issuerFP),
		DisplayName: resp.DisplayName,
		Fingerprint: issuerFP,
		PairedAt:    s.clock.Now(),
	}

	if err := s.trust.SavePeer(ctx, peer); err != nil {
		return nil, fmt.Errorf("failed to pin peer certificate: %w", err)
	}

	s.events.PeerPaired(*peer)
	s.logger.Info("paired with peer", "peer_id", peer.PeerID, "display_name", peer.DisplayName)

	return peer, nil
}

// HandleRequest выполняет pairing со стороны устройства, выпустившего
// PIN. Вызывается accept-циклом демона для недоверенной сессии.
// Проверяет доказательство, отмечает PIN использованным, закрепляет
// сертификат инициатора и возвращает встречное доказательство.
func (s *Service) HandleRequest(ctx context.Context, sess transport.Session, req *wire.PairRequest) (*models.PeerIdentity, error) {
	if req == nil || len(req.Certificate) == 0 {
		return nil, ErrAuthentication
	}
	if err := validation.ValidateDisplayName(req.DisplayName); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}

	// Сертификат в запросе обязан совпадать с предъявленным в TLS
	if tlsDER := sess.PeerCertDER(); tlsDER == nil || !bytes.Equal(tlsDER, req.Certificate) {
		return nil, ErrAuthentication
	}

	ownDER, err := s.id.CertDER()
	if err != nil {
		return nil, err
	}

	joinerFP := identity.Fingerprint(req.Certificate)
	issuerFP := identity.Fingerprint(ownDER)

	_, issuerKey, err := s.consumeActivePin(joinerFP, issuerFP, req.Proof)
	if err != nil {
		return nil, err
	}

	peer := &models.PeerIdentity{
		PeerID:      identity.PeerIDFromFingerprint(joinerFP),
		DisplayName: req.DisplayName,
		Fingerprint: joinerFP,
		PairedAt:    s.clock.Now(),
	}

	if err := s.trust.SavePeer(ctx, peer); err != nil {
		return nil, fmt.Errorf("failed to pin peer certificate: %w", err)
	}

	resp := &wire.Frame{
		Type: wire.TypePairResponse,
		PairResponse: &wire.PairResponse{
			DisplayName: s.id.DisplayName,
			Certificate: ownDER,
			Proof:       proof(issuerKey, joinerFP, issuerFP),
		},
	}
	if err := sess.Send(ctx, resp); err != nil {
		return nil, err
	}

	s.events.PeerPaired(*peer)
	s.logger.Info("paired with peer", "peer_id", peer.PeerID, "display_name", peer.DisplayName)

	return peer, nil
}

// consumeActivePin проверяет доказательство против активного PIN и
// отмечает PIN использованным. Single-use и TTL соблюдаются здесь,
// независимо от транспортной логики.
func (s *Service) consumeActivePin(joinerFP, issuerFP, gotProof []byte) ([]byte, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil {
		return nil, nil, ErrNoPinIssued
	}
	if s.active.used || s.clock.Now().After(s.active.expiresAt) {
		s.active = nil
		return nil, nil, ErrAuthentication
	}

	joinerKey, issuerKey, err := deriveProofKeys(s.active.code, joinerFP, issuerFP)
	if err != nil {
		return nil, nil, err
	}

	if !verifyProof(joinerKey, joinerFP, issuerFP, gotProof) {
		s.active.attempts++
		if s.active.attempts >= maxAttempts {
			s.active = nil
			s.logger.Warn("pairing pin invalidated after repeated failures")
		}
		return nil, nil, ErrAuthentication
	}

	// PIN употреблен: второй обмен с тем же PIN невозможен
	s.active.used = true

	return joinerKey, issuerKey, nil
}
