package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/iudanet/pairsync/internal/records"
)

// RunAdd добавляет наблюдение
func (a *App) RunAdd(ctx context.Context) error {
	title, err := readInput("Title: ")
	if err != nil {
		return err
	}

	body, err := readInput("Body: ")
	if err != nil {
		return err
	}

	tagsLine, err := readInput("Tags (comma separated, optional): ")
	if err != nil {
		return err
	}

	var tags []string
	for _, tag := range strings.Split(tagsLine, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}

	obs, err := a.Records.Create(ctx, &records.Observation{
		Title: title,
		Body:  body,
		Tags:  tags,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Created %s\n", obs.ID)
	return nil
}

// RunList печатает все наблюдения
func (a *App) RunList(ctx context.Context) error {
	observations, err := a.Records.List(ctx)
	if err != nil {
		return err
	}

	if len(observations) == 0 {
		fmt.Println("No observations")
		return nil
	}

	for _, obs := range observations {
		line := fmt.Sprintf("%s  %s", obs.ID, obs.Title)
		if len(obs.Tags) > 0 {
			line += "  [" + strings.Join(obs.Tags, ", ") + "]"
		}
		fmt.Println(line)
	}

	return nil
}

// RunGet печатает одно наблюдение целиком
func (a *App) RunGet(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: pairsync get <id>")
	}

	obs, err := a.Records.Get(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("ID:    %s\n", obs.ID)
	fmt.Printf("Title: %s\n", obs.Title)
	fmt.Printf("Body:  %s\n", obs.Body)
	if len(obs.Tags) > 0 {
		fmt.Printf("Tags:  %s\n", strings.Join(obs.Tags, ", "))
	}

	return nil
}

// RunDelete удаляет наблюдение (tombstone)
func (a *App) RunDelete(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: pairsync delete <id>")
	}

	if err := a.Records.Delete(ctx, args[0]); err != nil {
		return err
	}

	fmt.Printf("Deleted %s\n", args[0])
	return nil
}
