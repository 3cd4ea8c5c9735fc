package cli

import (
	"context"
	"errors"
	"fmt"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/iudanet/pairsync/internal/discovery"
	"github.com/iudanet/pairsync/internal/syncer"
	"github.com/iudanet/pairsync/internal/transport"
	"github.com/iudanet/pairsync/internal/wire"
)

// RunServe запускает демон: TLS-listener для входящих раундов и
// mDNS-анонс установки. Работает до отмены контекста.
func (a *App) RunServe(ctx context.Context) error {
	listener, err := transport.NewListener(a.ID, a.Trust, a.cfg.ListenAddr, a.Logger)
	if err != nil {
		return err
	}

	if err := a.announce(listener); err != nil {
		listener.Close()
		return err
	}
	defer a.Discovery.Shutdown()

	a.Logger.Info("daemon started",
		"device_id", a.ID.DeviceID,
		"display_name", a.ID.DisplayName,
		"listen", listener.Addr().String())

	g, gctx := errgroup.WithContext(ctx)

	// Закрытие listener-а разблокирует Accept при остановке
	g.Go(func() error {
		<-gctx.Done()
		listener.Close()
		return gctx.Err()
	})

	g.Go(func() error {
		for {
			sess, err := listener.Accept(gctx)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				if errors.Is(err, transport.ErrAuthentication) {
					a.Logger.Warn("connection rejected", "error", err)
					continue
				}
				return err
			}
			go a.handleSession(gctx, sess)
		}
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// announce публикует mDNS-анонс с фактическим портом listener-а
func (a *App) announce(listener *transport.Listener) error {
	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		return fmt.Errorf("unexpected listener address %v", listener.Addr())
	}

	fp, err := a.ID.Fingerprint()
	if err != nil {
		return err
	}

	return a.Discovery.Announce(discovery.Announcement{
		PeerID:      a.ID.DeviceID,
		DisplayName: a.ID.DisplayName,
		Fingerprint: fp,
		Port:        tcpAddr.Port,
	})
}

// handleSession обслуживает одну входящую сессию. Доверенная сессия
// получает раунд синхронизации; недоверенная допускается только до
// pairing-обмена.
func (a *App) handleSession(ctx context.Context, sess transport.Session) {
	defer sess.Close()

	if sess.Trusted() {
		if err := a.Engine.ServeSession(ctx, sess); err != nil {
			if errors.Is(err, syncer.ErrSyncInProgress) {
				return
			}
			a.Logger.Warn("sync session failed",
				"peer_id", sess.Peer().PeerID,
				"error", err)
		}
		return
	}

	frame, err := sess.Receive(ctx)
	if err != nil {
		return
	}
	if frame.Type != wire.TypePairRequest {
		// Недоверенной сессии не положено ничего, кроме pairing
		_ = sess.Send(ctx, &wire.Frame{
			Type: wire.TypeError,
			Err:  &wire.Error{Code: "authentication", Message: "pairing required"},
		})
		return
	}

	if _, err := a.Pairing.HandleRequest(ctx, sess, frame.PairRequest); err != nil {
		a.Logger.Warn("pairing request rejected", "error", err)
		_ = sess.Send(ctx, &wire.Frame{
			Type: wire.TypeError,
			Err:  &wire.Error{Code: "authentication", Message: "pairing rejected"},
		})
	}
}
