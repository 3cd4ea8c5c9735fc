package cli

import (
	"context"
	"fmt"
	"time"
)

// browseTimeout сколько времени discover слушает mDNS-ответы
const browseTimeout = 3 * time.Second

// RunSync выполняет один раунд синхронизации с указанным peer-ом.
// Адрес берется из аргумента или разрешается через mDNS.
func (a *App) RunSync(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: pairsync sync <peer-id> [addr]")
	}
	peerID := args[0]

	var addr string
	if len(args) > 1 {
		addr = args[1]
	} else {
		resolved, err := a.resolveAddr(ctx, peerID)
		if err != nil {
			return err
		}
		addr = resolved
	}

	if err := a.Engine.TriggerSync(ctx, peerID, addr); err != nil {
		return err
	}

	status, err := a.Engine.GetSyncStatus(ctx, peerID)
	if err != nil {
		return err
	}

	fmt.Printf("Synced with %s at %s\n", peerID, status.LastSyncAt.Format(time.RFC3339))
	return nil
}

// resolveAddr находит адрес peer-а через mDNS
func (a *App) resolveAddr(ctx context.Context, peerID string) (string, error) {
	browseCtx, cancel := context.WithTimeout(ctx, browseTimeout)
	defer cancel()

	peers, err := a.Discovery.Browse(browseCtx, a.ID.DeviceID)
	if err != nil {
		return "", err
	}

	for _, peer := range peers {
		if peer.PeerID == peerID {
			return peer.Addr(), nil
		}
	}

	return "", fmt.Errorf("peer %s not found on the local network, pass its address explicitly", peerID)
}

// RunStatus печатает состояние синхронизации со всеми спаренными устройствами
func (a *App) RunStatus(ctx context.Context) error {
	peers, err := a.Engine.ListPeers(ctx)
	if err != nil {
		return err
	}

	if len(peers) == 0 {
		fmt.Println("No paired devices")
		return nil
	}

	for _, peer := range peers {
		status, err := a.Engine.GetSyncStatus(ctx, peer.PeerID)
		if err != nil {
			return err
		}

		lastSync := "never"
		if !status.LastSyncAt.IsZero() {
			lastSync = status.LastSyncAt.Format(time.RFC3339)
		}

		fmt.Printf("%s  %-20s  last sync: %s  pending: %d\n",
			peer.PeerID, peer.DisplayName, lastSync, status.PendingChanges)
	}

	return nil
}

// RunPeers печатает спаренные устройства
func (a *App) RunPeers(ctx context.Context) error {
	peers, err := a.Engine.ListPeers(ctx)
	if err != nil {
		return err
	}

	if len(peers) == 0 {
		fmt.Println("No paired devices")
		return nil
	}

	for _, peer := range peers {
		fmt.Printf("%s  %-20s  paired: %s\n",
			peer.PeerID, peer.DisplayName, peer.PairedAt.Format(time.RFC3339))
	}

	return nil
}

// RunDiscover печатает устройства, найденные в локальной сети
func (a *App) RunDiscover(ctx context.Context) error {
	browseCtx, cancel := context.WithTimeout(ctx, browseTimeout)
	defer cancel()

	peers, err := a.Discovery.Browse(browseCtx, a.ID.DeviceID)
	if err != nil {
		return err
	}

	if len(peers) == 0 {
		fmt.Println("No devices found")
		return nil
	}

	for _, peer := range peers {
		paired := ""
		if _, err := a.Trust.GetPeer(ctx, peer.PeerID); err == nil {
			paired = "  (paired)"
		}
		fmt.Printf("%s  %-20s  %s%s\n", peer.PeerID, peer.DisplayName, peer.Addr(), paired)
	}

	return nil
}
