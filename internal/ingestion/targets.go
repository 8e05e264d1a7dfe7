package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// RegisterDataset validates and stores a dataset. A missing ID is generated.
//
// Errors: MalformedInput for an invalid dataset, ErrConflict when the ID is taken,
// StorageError otherwise.
func (s *Service) RegisterDataset(ctx context.Context, dataset *Dataset) error {
	dataset.ID = strings.TrimSpace(dataset.ID)
	dataset.Title = strings.TrimSpace(dataset.Title)

	if dataset.Title == "" {
		return NewMalformedInputError(nil, "dataset title is required")
	}

	if dataset.ID == "" {
		dataset.ID = uuid.NewString()
	}

	if err := s.store.CreateDataset(ctx, dataset); err != nil {
		return targetError(err, "dataset", dataset.ID)
	}

	s.logger.Info("Dataset registered",
		slog.String("dataset_id", dataset.ID),
		slog.String("title", dataset.Title))

	return nil
}

// RegisterTable validates and stores an ingestion target. A missing ID is generated.
//
// Errors: MalformedInput for an invalid table, ErrNotFound when the dataset does not
// exist, ErrConflict when the ID is taken, StorageError otherwise.
func (s *Service) RegisterTable(ctx context.Context, table *Table) error {
	table.ID = strings.TrimSpace(table.ID)
	table.Name = strings.TrimSpace(table.Name)
	table.DatasetID = strings.TrimSpace(table.DatasetID)

	switch {
	case table.Name == "":
		return NewMalformedInputError(nil, "table name is required")
	case table.DatasetID == "":
		return NewMalformedInputError(nil, "table dataset_id is required")
	case !table.DataType.IsValid():
		return NewMalformedInputError(nil, "unsupported table data_type %q (expected %s, %s or %s)",
			table.DataType, DataTypePhenopacket, DataTypeExperiment, DataTypeMCodePacket)
	case table.ID == DerivedDataTableID:
		return NewMalformedInputError(nil, "table id %q is reserved", DerivedDataTableID)
	}

	if table.ID == "" {
		table.ID = uuid.NewString()
	}

	if err := s.store.CreateTable(ctx, table); err != nil {
		return targetError(err, "table", table.ID)
	}

	s.logger.Info("Table registered",
		slog.String("table_id", table.ID),
		slog.String("dataset_id", table.DatasetID),
		slog.String("data_type", string(table.DataType)))

	return nil
}

// targetError keeps ErrNotFound and ErrConflict matchable and turns every other store
// failure into a StorageError.
func targetError(err error, what, id string) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
		return fmt.Errorf("register %s %s: %w", what, id, err)
	}

	return NewStorageError(err, "register %s %s", what, id)
}
