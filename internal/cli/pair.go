package cli

import (
	"context"
	"fmt"

	"github.com/iudanet/pairsync/internal/models"
	"github.com/iudanet/pairsync/internal/pairing"
	"github.com/iudanet/pairsync/internal/transport"
	"github.com/iudanet/pairsync/internal/wire"
)

// RunPairIssue выпускает одноразовый PIN и ждет присоединяющееся
// устройство до успешного pairing или истечения PIN.
func (a *App) RunPairIssue(ctx context.Context) error {
	listener, err := transport.NewListener(a.ID, a.Trust, a.cfg.ListenAddr, a.Logger)
	if err != nil {
		return err
	}
	defer listener.Close()

	if err := a.announce(listener); err != nil {
		return err
	}
	defer a.Discovery.Shutdown()

	pin, err := a.Pairing.GeneratePin()
	if err != nil {
		return err
	}

	fmt.Printf("Pairing PIN: %s\n", pin.Code)
	fmt.Printf("Valid until: %s\n", pin.ExpiresAt.Format("15:04:05"))
	fmt.Printf("Listening on %s, waiting for a device to join...\n", listener.Addr())

	ctx, cancel := context.WithDeadline(ctx, pin.ExpiresAt)
	defer cancel()

	// Закрытие listener-а по истечении PIN разблокирует Accept
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		sess, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: pin expired", pairing.ErrAuthentication)
			}
			return err
		}

		peer, err := a.servePairRequest(ctx, sess)
		if err != nil {
			a.Logger.Warn("pairing attempt failed", "error", err)
			continue
		}

		fmt.Printf("Paired with %s (%s)\n", peer.DisplayName, peer.PeerID)
		return nil
	}
}

// servePairRequest обслуживает одну pairing-попытку
func (a *App) servePairRequest(ctx context.Context, sess transport.Session) (*models.PeerIdentity, error) {
	defer sess.Close()

	frame, err := sess.Receive(ctx)
	if err != nil {
		return nil, err
	}
	if frame.Type != wire.TypePairRequest {
		return nil, transport.ErrProtocol
	}

	peer, err := a.Pairing.HandleRequest(ctx, sess, frame.PairRequest)
	if err != nil {
		_ = sess.Send(ctx, &wire.Frame{
			Type: wire.TypeError,
			Err:  &wire.Error{Code: "authentication", Message: "pairing rejected"},
		})
		return nil, err
	}

	return peer, nil
}

// RunPairJoin присоединяется к устройству, выпустившему PIN
func (a *App) RunPairJoin(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: pairsync pair-join <addr>")
	}
	addr := args[0]

	pin, err := readPin("PIN: ")
	if err != nil {
		return fmt.Errorf("failed to read pin: %w", err)
	}
	if pin == "" {
		return fmt.Errorf("pin cannot be empty")
	}

	peer, err := a.Pairing.ConsumePin(ctx, pin, addr)
	if err != nil {
		return err
	}

	fmt.Printf("Paired with %s (%s)\n", peer.DisplayName, peer.PeerID)
	return nil
}

// RunUnpair разрывает доверие с устройством
func (a *App) RunUnpair(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: pairsync unpair <peer-id>")
	}

	if err := a.Trust.DeletePeer(ctx, args[0]); err != nil {
		return err
	}

	fmt.Printf("Unpaired %s\n", args[0])
	return nil
}
