package ingestion

import (
	"github.com/cohortbase-io/cohortbase/internal/schema"
)

// Status is the kind of an ingestion outcome.
type Status string

const (
	StatusSuccess          Status = "success"
	StatusValidationFailed Status = "validation_failed"
	StatusIngestFailed     Status = "ingest_failed"
)

// Outcome is the typed result of one ingestion call. Warnings are attached whatever the
// status, since a deprecated value often explains why validation failed.
type Outcome struct {
	Success bool   `json:"success"`
	Status  Status `json:"status"`

	// CreatedIDs lists the IDs of every entity the call created, in creation order.
	CreatedIDs []string        `json:"created_ids"`
	Created    []CreatedEntity `json:"created_entities"`

	Errors   []schema.Issue   `json:"errors"`
	Warnings []schema.Warning `json:"warnings"`

	// Reason, ErrorKind and Identifier describe a failure.
	Reason     string    `json:"reason,omitempty"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
	Identifier string    `json:"identifier,omitempty"`

	err error
}

// Err returns the failure behind the outcome, or nil on success.
func (o Outcome) Err() error {
	return o.err
}

func successOutcome(created []CreatedEntity, warnings []schema.Warning) Outcome {
	outcome := Outcome{
		Success:    true,
		Status:     StatusSuccess,
		CreatedIDs: make([]string, 0, len(created)),
		Created:    append([]CreatedEntity{}, created...),
		Errors:     []schema.Issue{},
		Warnings:   nonNilWarnings(warnings),
	}

	for _, entity := range created {
		outcome.CreatedIDs = append(outcome.CreatedIDs, entity.ID)
	}

	return outcome
}

// failureOutcome reports err. Schema validation failures are ValidationFailed; every
// other kind is IngestFailed.
func failureOutcome(err error, warnings []schema.Warning) Outcome {
	ingestErr := asIngestError(err)

	status := StatusIngestFailed
	if ingestErr.Kind == KindSchemaValidation {
		status = StatusValidationFailed
	}

	issues := ingestErr.Issues
	if issues == nil {
		issues = []schema.Issue{}
	}

	return Outcome{
		Success:    false,
		Status:     status,
		CreatedIDs: []string{},
		Created:    []CreatedEntity{},
		Errors:     issues,
		Warnings:   nonNilWarnings(warnings),
		Reason:     ingestErr.Error(),
		ErrorKind:  ingestErr.Kind,
		Identifier: ingestErr.Identifier,
		err:        ingestErr,
	}
}

// CountByKind returns the number of created entities of each kind.
func (o Outcome) CountByKind() map[Kind]int {
	counts := make(map[Kind]int)
	for _, entity := range o.Created {
		counts[entity.Kind]++
	}

	return counts
}

func nonNilWarnings(warnings []schema.Warning) []schema.Warning {
	if warnings == nil {
		return []schema.Warning{}
	}

	return warnings
}
