package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/iudanet/pairsync/internal/changelog"
	"github.com/iudanet/pairsync/internal/codec"
	"github.com/iudanet/pairsync/internal/models"
	"github.com/iudanet/pairsync/internal/transport"
	"github.com/iudanet/pairsync/internal/wire"
)

// Параметры раунда
const (
	// chunkSize максимум записей в одном changeset-кадре
	chunkSize = 256
	// maxGapRewinds максимум перемоток по AckGap на один origin
	maxGapRewinds = 3
	// maxIntegrityResends максимум повторов changeset после AckIntegrity
	maxIntegrityResends = 1
)

// Коды терминальных ошибок протокола
const (
	errCodeAuth           = "authentication"
	errCodeSyncInProgress = "sync_in_progress"
	errCodeAmbiguity      = "resolution_ambiguity"
	errCodeInternal       = "internal"
)

// roundStats счетчики одного раунда для audit-события
type roundStats struct {
	pushed    int
	pulled    int
	conflicts int
}

// TriggerSync выполняет полный раунд синхронизации с peer-ом в роли
// инициатора: Hello → Negotiate → push своих changeset-ов → прием
// встречных → фиксация раунда. Конкурентный раунд с тем же peer-ом
// отклоняется с ErrSyncInProgress. Прерванный раунд не оставляет
// частично примененных changeset-ов: курсоры стоят на последней
// закоммиченной границе, следующий раунд продолжит с нее.
func (e *Engine) TriggerSync(ctx context.Context, peerID, addr string) error {
	peer, err := e.trust.GetPeer(ctx, peerID)
	if err != nil {
		return err
	}

	if !e.beginRound(peerID) {
		return fmt.Errorf("%w: peer %s", ErrSyncInProgress, peerID)
	}
	defer e.endRound(peerID)

	sess, err := e.dialer.Open(ctx, peer, addr)
	if err != nil {
		e.events.SyncRoundFailed(peerID, err)
		return err
	}
	defer sess.Close()

	stats, err := e.runInitiator(ctx, sess, peer)
	if err != nil {
		e.events.SyncRoundFailed(peerID, err)
		return err
	}

	finishedAt := e.clock.Now()
	if err := e.store.FinishRound(ctx, peerID, finishedAt); err != nil {
		// Changeset-ы раунда уже durably закоммичены, не смогла
		// зафиксироваться только отметка о раунде
		e.events.SyncRoundFailed(peerID, err)
		return err
	}

	e.events.SyncRoundCompleted(peerID, stats.pushed, stats.pulled, stats.conflicts, finishedAt)
	e.logger.Info("sync round completed",
		"peer_id", peerID,
		"pushed", stats.pushed,
		"pulled", stats.pulled,
		"conflicts", stats.conflicts)

	return nil
}

// ServeSession обслуживает раунд в роли отвечающей стороны. Вызывается
// accept-циклом демона для каждой доверенной входящей сессии.
func (e *Engine) ServeSession(ctx context.Context, sess transport.Session) error {
	if !sess.Trusted() {
		return transport.ErrAuthentication
	}
	peer := sess.Peer()

	if !e.beginRound(peer.PeerID) {
		_ = e.sendError(ctx, sess, errCodeSyncInProgress, "sync round already in progress")
		return fmt.Errorf("%w: peer %s", ErrSyncInProgress, peer.PeerID)
	}
	defer e.endRound(peer.PeerID)

	stats, err := e.runResponder(ctx, sess, &peer)
	if err != nil {
		e.events.SyncRoundFailed(peer.PeerID, err)
		return err
	}

	finishedAt := e.clock.Now()
	if err := e.store.FinishRound(ctx, peer.PeerID, finishedAt); err != nil {
		e.events.SyncRoundFailed(peer.PeerID, err)
		return err
	}

	e.events.SyncRoundCompleted(peer.PeerID, stats.pushed, stats.pulled, stats.conflicts, finishedAt)

	return nil
}

// runInitiator фазы раунда со стороны инициатора
func (e *Engine) runInitiator(ctx context.Context, sess transport.Session, peer *models.PeerIdentity) (*roundStats, error) {
	if err := e.sendHello(ctx, sess); err != nil {
		return nil, err
	}
	if err := e.receiveHello(ctx, sess, peer.PeerID); err != nil {
		return nil, err
	}

	if err := e.sendNegotiate(ctx, sess); err != nil {
		return nil, err
	}
	theirPos, err := e.receiveNegotiate(ctx, sess)
	if err != nil {
		return nil, err
	}

	stats := &roundStats{}

	// Инициатор передает первым, затем принимает
	stats.pushed, err = e.pushOutstanding(ctx, sess, peer.PeerID, theirPos)
	if err != nil {
		return nil, err
	}
	if err := sess.Send(ctx, &wire.Frame{Type: wire.TypeDone}); err != nil {
		return nil, err
	}

	stats.pulled, stats.conflicts, err = e.receiveChangesets(ctx, sess, peer.PeerID, theirPos)
	if err != nil {
		return nil, err
	}

	return stats, nil
}

// runResponder фазы раунда со стороны отвечающего
func (e *Engine) runResponder(ctx context.Context, sess transport.Session, peer *models.PeerIdentity) (*roundStats, error) {
	if err := e.receiveHello(ctx, sess, peer.PeerID); err != nil {
		_ = e.sendError(ctx, sess, errCodeAuth, "hello verification failed")
		return nil, err
	}
	if err := e.sendHello(ctx, sess); err != nil {
		return nil, err
	}

	theirPos, err := e.receiveNegotiate(ctx, sess)
	if err != nil {
		return nil, err
	}
	if err := e.sendNegotiate(ctx, sess); err != nil {
		return nil, err
	}

	stats := &roundStats{}

	stats.pulled, stats.conflicts, err = e.receiveChangesets(ctx, sess, peer.PeerID, theirPos)
	if err != nil {
		return nil, err
	}

	stats.pushed, err = e.pushOutstanding(ctx, sess, peer.PeerID, theirPos)
	if err != nil {
		return nil, err
	}
	if err := sess.Send(ctx, &wire.Frame{Type: wire.TypeDone}); err != nil {
		return nil, err
	}

	return stats, nil
}

func (e *Engine) sendHello(ctx context.Context, sess transport.Session) error {
	hello, err := transport.BuildHello(e.id, e.clock)
	if err != nil {
		return err
	}
	return sess.Send(ctx, &wire.Frame{Type: wire.TypeHello, Hello: hello})
}

func (e *Engine) receiveHello(ctx context.Context, sess transport.Session, expectedPeerID string) error {
	frame, err := sess.Receive(ctx)
	if err != nil {
		return err
	}
	if frame.Type != wire.TypeHello {
		return e.unexpectedFrame(frame)
	}
	return transport.VerifyHello(frame.Hello, sess.PeerCertDER(), expectedPeerID, e.clock)
}

// sendNegotiate сообщает peer-у, до какого места мы durably держим
// журнал каждого известного нам origin
func (e *Engine) sendNegotiate(ctx context.Context, sess transport.Session) error {
	origins, err := e.store.Origins(ctx)
	if err != nil {
		return err
	}
	sort.Strings(origins)

	positions := make([]wire.OriginPosition, 0, len(origins))
	for _, origin := range origins {
		latest, err := e.store.LatestSequence(ctx, origin)
		if err != nil {
			return err
		}
		positions = append(positions, wire.OriginPosition{
			OriginID:       origin,
			LatestSequence: latest,
		})
	}

	return sess.Send(ctx, &wire.Frame{
		Type:      wire.TypeNegotiate,
		Negotiate: &wire.Negotiate{Origins: positions},
	})
}

func (e *Engine) receiveNegotiate(ctx context.Context, sess transport.Session) (map[string]int64, error) {
	frame, err := sess.Receive(ctx)
	if err != nil {
		return nil, err
	}
	if frame.Type != wire.TypeNegotiate {
		return nil, e.unexpectedFrame(frame)
	}

	positions := make(map[string]int64, len(frame.Negotiate.Origins))
	for _, pos := range frame.Negotiate.Origins {
		positions[pos.OriginID] = pos.LatestSequence
	}
	return positions, nil
}

// pushOutstanding передает peer-у недостающие ему диапазоны всех
// известных нам журналов, по одному origin за раз, changeset-ами по
// chunkSize записей. Каждый changeset подтверждается peer-ом только
// после durable-коммита, поэтому подтвержденный прогресс переживает
// обрыв сессии.
func (e *Engine) pushOutstanding(ctx context.Context, sess transport.Session, peerID string, remote map[string]int64) (int, error) {
	origins, err := e.store.Origins(ctx)
	if err != nil {
		return 0, err
	}
	sort.Strings(origins)

	total := 0
	for _, origin := range origins {
		sent, err := e.pushOrigin(ctx, sess, peerID, origin, remote[origin])
		if err != nil {
			return total, err
		}
		total += sent
	}
	return total, nil
}

func (e *Engine) pushOrigin(ctx context.Context, sess transport.Session, peerID, origin string, cursor int64) (int, error) {
	latest, err := e.store.LatestSequence(ctx, origin)
	if err != nil {
		return 0, err
	}

	sent := 0
	gapRewinds := 0
	integrityResends := 0

	for cursor < latest {
		to := cursor + chunkSize
		if to > latest {
			to = latest
		}

		entries, err := e.store.EntriesRange(ctx, origin, cursor, to)
		if err != nil {
			return sent, err
		}

		cs, err := e.codec.Build(origin, cursor, entries)
		if err != nil {
			return sent, err
		}

		frame := &wire.Frame{
			Type: wire.TypeChangeset,
			Changeset: &wire.Changeset{
				OriginID:     cs.OriginID,
				FromSequence: cs.FromSequence,
				ToSequence:   cs.ToSequence,
				Entries:      cs.Entries,
				Digest:       cs.Digest,
			},
		}
		if err := sess.Send(ctx, frame); err != nil {
			return sent, err
		}

		ack, err := e.receiveAck(ctx, sess, origin)
		if err != nil {
			return sent, err
		}

		switch ack.Status {
		case wire.AckOK:
			cursor = cs.ToSequence
			sent += len(entries)
			integrityResends = 0
			// Для собственного origin фиксируем подтвержденный номер:
			// это источник pending_changes в статусе
			if origin == e.id.DeviceID {
				if err := e.store.SetLastPushed(ctx, peerID, cursor); err != nil {
					return sent, err
				}
			}

		case wire.AckGap:
			// Курсор получателя разошелся с нашим представлением —
			// перематываемся на заявленную им границу
			gapRewinds++
			if gapRewinds > maxGapRewinds {
				return sent, fmt.Errorf("%w: origin %s, receiver cursor %d",
					changelog.ErrSequenceGap, origin, ack.CursorSequence)
			}
			cursor = ack.CursorSequence

		case wire.AckIntegrity:
			integrityResends++
			if integrityResends > maxIntegrityResends {
				return sent, fmt.Errorf("%w: origin %s after resend", codec.ErrIntegrity, origin)
			}
			// Повтор того же диапазона

		default:
			return sent, fmt.Errorf("%w: unknown ack status %q", transport.ErrProtocol, ack.Status)
		}
	}

	return sent, nil
}

func (e *Engine) receiveAck(ctx context.Context, sess transport.Session, origin string) (*wire.Ack, error) {
	frame, err := sess.Receive(ctx)
	if err != nil {
		return nil, err
	}
	if frame.Type != wire.TypeAck {
		return nil, e.unexpectedFrame(frame)
	}
	if frame.Ack.OriginID != origin {
		return nil, fmt.Errorf("%w: ack for origin %q, expected %q",
			transport.ErrProtocol, frame.Ack.OriginID, origin)
	}
	return frame.Ack, nil
}

// receiveChangesets принимает changeset-ы до кадра Done, применяя каждый
// атомарно и подтверждая только после durable-коммита
func (e *Engine) receiveChangesets(ctx context.Context, sess transport.Session, peerID string, senderPos map[string]int64) (pulled, conflicts int, err error) {
	for {
		frame, err := sess.Receive(ctx)
		if err != nil {
			return pulled, conflicts, err
		}

		switch frame.Type {
		case wire.TypeDone:
			return pulled, conflicts, nil

		case wire.TypeError:
			return pulled, conflicts, e.peerError(frame.Err)

		case wire.TypeChangeset:
			n, c, err := e.applyChangeset(ctx, sess, peerID, frame.Changeset, senderPos)
			if err != nil {
				return pulled, conflicts, err
			}
			pulled += n
			conflicts += c

		default:
			return pulled, conflicts, e.unexpectedFrame(frame)
		}
	}
}

// applyChangeset проверяет, мержит и атомарно коммитит один changeset.
// Подтверждение уходит только после durable-коммита; при несовпадении
// дайджеста или курсора changeset отбрасывается целиком и отправителю
// сообщается статус для повтора или перемотки.
func (e *Engine) applyChangeset(ctx context.Context, sess transport.Session, peerID string, wcs *wire.Changeset, senderPos map[string]int64) (int, int, error) {
	if wcs == nil {
		return 0, 0, transport.ErrProtocol
	}

	cs := &models.Changeset{
		OriginID:     wcs.OriginID,
		FromSequence: wcs.FromSequence,
		ToSequence:   wcs.ToSequence,
		Entries:      wcs.Entries,
		Digest:       wcs.Digest,
	}

	if err := e.codec.Verify(cs); err != nil {
		if !errors.Is(err, codec.ErrIntegrity) && !errors.Is(err, codec.ErrMalformed) {
			return 0, 0, err
		}
		e.logger.Warn("changeset rejected",
			"peer_id", peerID,
			"origin_id", wcs.OriginID,
			"error", err)
		return 0, 0, e.sendAck(ctx, sess, &wire.Ack{
			OriginID: wcs.OriginID,
			Status:   wire.AckIntegrity,
		})
	}

	cursor, err := e.store.LatestSequence(ctx, cs.OriginID)
	if err != nil {
		return 0, 0, err
	}

	// Уже применен (повтор после обрыва): подтверждаем без эффекта
	if cs.ToSequence <= cursor {
		return 0, 0, e.sendAck(ctx, sess, &wire.Ack{
			OriginID:     cs.OriginID,
			Status:       wire.AckOK,
			UpToSequence: cursor,
		})
	}

	// Разрыв непрерывности журнала: сообщаем фактический курсор
	if cs.FromSequence > cursor {
		return 0, 0, e.sendAck(ctx, sess, &wire.Ack{
			OriginID:       cs.OriginID,
			Status:         wire.AckGap,
			CursorSequence: cursor,
		})
	}

	entries := trimApplied(cs.Entries, cursor)

	plan, err := e.merge(ctx, entries, senderPos)
	if err != nil {
		if errors.Is(err, ErrResolutionAmbiguity) {
			_ = e.sendError(ctx, sess, errCodeAmbiguity, err.Error())
		}
		return 0, 0, err
	}

	commit := &changelog.Commit{
		PeerID:    peerID,
		OriginID:  cs.OriginID,
		Entries:   entries,
		Records:   plan.records,
		UpTo:      cs.ToSequence,
		Conflicts: int64(len(plan.conflicts)),
	}
	if err := e.store.CommitRemote(ctx, commit); err != nil {
		return 0, 0, err
	}

	for _, conflict := range plan.conflicts {
		e.events.ConflictResolved(peerID, conflict)
		e.logger.Info("conflict resolved",
			"peer_id", peerID,
			"record_id", conflict.RecordID,
			"resolution", conflict.Resolution)
	}

	if err := e.sendAck(ctx, sess, &wire.Ack{
		OriginID:     cs.OriginID,
		Status:       wire.AckOK,
		UpToSequence: cs.ToSequence,
	}); err != nil {
		return len(entries), len(plan.conflicts), err
	}

	return len(entries), len(plan.conflicts), nil
}

func (e *Engine) sendAck(ctx context.Context, sess transport.Session, ack *wire.Ack) error {
	return sess.Send(ctx, &wire.Frame{Type: wire.TypeAck, Ack: ack})
}

func (e *Engine) sendError(ctx context.Context, sess transport.Session, code, message string) error {
	return sess.Send(ctx, &wire.Frame{
		Type: wire.TypeError,
		Err:  &wire.Error{Code: code, Message: message},
	})
}

// peerError переводит терминальную ошибку протокола от peer-а в
// локальную ошибку раунда
func (e *Engine) peerError(we *wire.Error) error {
	if we == nil {
		return transport.ErrProtocol
	}
	switch we.Code {
	case errCodeAuth:
		return fmt.Errorf("%w: %s", transport.ErrAuthentication, we.Message)
	case errCodeSyncInProgress:
		return fmt.Errorf("%w: %s", ErrSyncInProgress, we.Message)
	case errCodeAmbiguity:
		return fmt.Errorf("%w: %s", ErrResolutionAmbiguity, we.Message)
	default:
		return fmt.Errorf("%w: peer error %s: %s", transport.ErrProtocol, we.Code, we.Message)
	}
}

func (e *Engine) unexpectedFrame(frame *wire.Frame) error {
	if frame.Type == wire.TypeError {
		return e.peerError(frame.Err)
	}
	return fmt.Errorf("%w: unexpected frame type %d", transport.ErrProtocol, frame.Type)
}
