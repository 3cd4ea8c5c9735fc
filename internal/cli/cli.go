// Package cli реализует команды утилиты pairsync: демон синхронизации,
// pairing, ручной запуск раундов и работа с наблюдениями.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"syscall"

	"github.com/jonboulle/clockwork"
	"golang.org/x/term"

	"github.com/iudanet/pairsync/internal/audit"
	"github.com/iudanet/pairsync/internal/changelog"
	changelogsqlite "github.com/iudanet/pairsync/internal/changelog/sqlite"
	"github.com/iudanet/pairsync/internal/codec"
	"github.com/iudanet/pairsync/internal/discovery"
	"github.com/iudanet/pairsync/internal/identity"
	"github.com/iudanet/pairsync/internal/pairing"
	"github.com/iudanet/pairsync/internal/records"
	"github.com/iudanet/pairsync/internal/syncer"
	"github.com/iudanet/pairsync/internal/transport"
	"github.com/iudanet/pairsync/internal/truststore"
	"github.com/iudanet/pairsync/internal/truststore/boltdb"
	"github.com/iudanet/pairsync/internal/validation"
)

// Config параметры установки
type Config struct {
	DBPath      string
	TrustPath   string
	DisplayName string
	ListenAddr  string
}

// App собранная установка: личность, хранилища и сервисы
type App struct {
	ID        *identity.Identity
	Trust     truststore.Storage
	Store     changelog.Storage
	Engine    *syncer.Engine
	Pairing   *pairing.Service
	Discovery *discovery.Service
	Records   *records.Service
	Logger    *slog.Logger

	cfg Config
}

// Bootstrap открывает хранилища, загружает (или создает при первом
// запуске) личность установки и собирает сервисы.
func Bootstrap(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	if err := validation.ValidateDisplayName(cfg.DisplayName); err != nil {
		return nil, err
	}

	trust, err := boltdb.New(ctx, cfg.TrustPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open trust store: %w", err)
	}

	id, err := trust.Identity(ctx)
	if errors.Is(err, truststore.ErrIdentityNotFound) {
		id, err = identity.Generate(cfg.DisplayName)
		if err == nil {
			err = trust.SaveIdentity(ctx, id)
			logger.Info("installation identity created", "device_id", id.DeviceID)
		}
	}
	if err != nil {
		trust.Close()
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}

	store, err := changelogsqlite.New(ctx, cfg.DBPath)
	if err != nil {
		trust.Close()
		return nil, fmt.Errorf("failed to open change log: %w", err)
	}

	cdc, err := codec.New()
	if err != nil {
		trust.Close()
		store.Close()
		return nil, err
	}

	clock := clockwork.NewRealClock()
	events := audit.NewLogEvents(logger)
	dialer := transport.NewDialer(id, logger)

	engine := syncer.New(id, store, trust, dialer, cdc, clock, events, logger)

	return &App{
		ID:        id,
		Trust:     trust,
		Store:     store,
		Engine:    engine,
		Pairing:   pairing.NewService(id, trust, dialer, clock, events, logger),
		Discovery: discovery.New(logger),
		Records:   records.New(engine, store),
		Logger:    logger,
		cfg:       cfg,
	}, nil
}

// Close освобождает хранилища
func (a *App) Close() {
	if err := a.Store.Close(); err != nil {
		a.Logger.Error("failed to close change log", "error", err)
	}
	if err := a.Trust.Close(); err != nil {
		a.Logger.Error("failed to close trust store", "error", err)
	}
}

func PrintUsage() {
	fmt.Println("pairsync - serverless peer-to-peer replication")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  pairsync [OPTIONS] COMMAND [ARGS]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --version        Show version information")
	fmt.Println("  --db PATH        Path to change log database (default: pairsync.db)")
	fmt.Println("  --trust PATH     Path to trust store (default: pairsync-trust.db)")
	fmt.Println("  --name NAME      Display name of this installation (default: hostname)")
	fmt.Println("  --listen ADDR    Listen address for serve and pair-issue (default: :9437)")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                    Run the sync daemon (listener + mDNS announce)")
	fmt.Println("  pair-issue               Issue a one-time PIN and wait for a device to join")
	fmt.Println("  pair-join <addr>         Pair with a device that issued a PIN")
	fmt.Println("  sync <peer-id> [addr]    Run a sync round with a paired device")
	fmt.Println("  status                   Show sync status for every paired device")
	fmt.Println("  peers                    List paired devices")
	fmt.Println("  discover                 Browse the local network for devices")
	fmt.Println("  unpair <peer-id>         Remove a paired device")
	fmt.Println("  add                      Add an observation")
	fmt.Println("  list                     List observations")
	fmt.Println("  get <id>                 Show one observation")
	fmt.Println("  delete <id>              Delete an observation (tombstone)")
	fmt.Println("  export <file>            Export own change log to a file")
	fmt.Println("  import <file>            Import a change log file")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  pairsync serve")
	fmt.Println("  pairsync pair-issue")
	fmt.Println("  pairsync pair-join 192.168.1.10:9437")
	fmt.Println("  pairsync sync a1b2c3d4e5f60718")
	fmt.Println("  pairsync export /mnt/usb/changes.bin")
}

// readInput читает строку из stdin
func readInput(prompt string) (string, error) {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	input, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(input), nil
}

// readPin читает PIN без отображения на экране
func readPin(prompt string) (string, error) {
	fmt.Print(prompt)
	pinBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(pinBytes)), nil
}
