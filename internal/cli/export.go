package cli

import (
	"context"
	"fmt"
	"os"
)

// RunExport выгружает весь собственный журнал изменений в файл для
// ручного обмена (USB-носитель, почта) между установками без сети
func (a *App) RunExport(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: pairsync export <file>")
	}

	data, err := a.Engine.ExportChangeset(ctx, a.ID.DeviceID, 0)
	if err != nil {
		return err
	}

	if err := os.WriteFile(args[0], data, 0o600); err != nil {
		return fmt.Errorf("failed to write export file: %w", err)
	}

	fmt.Printf("Exported %d bytes to %s\n", len(data), args[0])
	return nil
}

// RunImport применяет ранее экспортированный журнал. Повторный импорт
// того же файла ничего не меняет.
func (a *App) RunImport(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: pairsync import <file>")
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read import file: %w", err)
	}

	applied, err := a.Engine.ImportChangeset(ctx, data)
	if err != nil {
		return err
	}

	if applied == 0 {
		fmt.Println("Nothing to import: all changes already applied")
		return nil
	}

	fmt.Printf("Imported %d changes\n", applied)
	return nil
}
