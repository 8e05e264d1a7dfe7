package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cohortbase-io/cohortbase/internal/ingestion"
)

var (
	// ErrEmptyID is returned when an entity is written without an identifier.
	ErrEmptyID = errors.New("entity ID cannot be empty")

	// ErrDuplicateEntity is returned when an always-new entity reuses a stored ID.
	ErrDuplicateEntity = errors.New("entity already exists")

	// ErrUnitClosed is returned by writes after Commit or Rollback.
	ErrUnitClosed = errors.New("unit of work already finished")

	// ErrUnknownRelation is returned by Link for an unregistered relation.
	ErrUnknownRelation = errors.New("unknown relation")
)

var _ ingestion.Store = (*MemoryStore)(nil)

type (
	// MemoryStore is a thread-safe in-memory ingestion store used by unit tests and
	// local development. Each unit of work writes to a private overlay that becomes
	// visible only when Commit merges it under the write lock.
	MemoryStore struct {
		datasets map[string]ingestion.Dataset
		tables   map[string]ingestion.Table
		entities map[ingestion.Kind]map[string]memoryRecord
		links    map[ingestion.Relation]map[memoryLink]struct{}

		// seq orders records by creation across units.
		seq atomic.Int64
		// mutex protects the committed maps
		mutex sync.RWMutex
	}

	memoryRecord struct {
		seq   int64
		value any
		// unique marks always-new entities, whose IDs must not collide on commit.
		unique bool
	}

	memoryLink struct {
		from string
		to   string
	}

	memoryUnit struct {
		store    *MemoryStore
		entities map[ingestion.Kind]map[string]memoryRecord
		links    map[ingestion.Relation]map[memoryLink]struct{}
		done     bool
	}
)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		datasets: make(map[string]ingestion.Dataset),
		tables:   make(map[string]ingestion.Table),
		entities: make(map[ingestion.Kind]map[string]memoryRecord),
		links:    make(map[ingestion.Relation]map[memoryLink]struct{}),
	}
}

// CreateDataset implements ingestion.Store.
func (s *MemoryStore) CreateDataset(_ context.Context, dataset *ingestion.Dataset) error {
	if dataset == nil || dataset.ID == "" {
		return ErrEmptyID
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.datasets[dataset.ID]; exists {
		return fmt.Errorf("%w: dataset %s", ingestion.ErrConflict, dataset.ID)
	}

	s.datasets[dataset.ID] = *dataset

	return nil
}

// CreateTable implements ingestion.Store.
func (s *MemoryStore) CreateTable(_ context.Context, table *ingestion.Table) error {
	if table == nil || table.ID == "" {
		return ErrEmptyID
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.datasets[table.DatasetID]; !exists {
		return fmt.Errorf("%w: dataset %s", ingestion.ErrNotFound, table.DatasetID)
	}

	if _, exists := s.tables[table.ID]; exists {
		return fmt.Errorf("%w: table %s", ingestion.ErrConflict, table.ID)
	}

	s.tables[table.ID] = *table

	return nil
}

// HealthCheck implements ingestion.Store. The in-memory store is always ready.
func (s *MemoryStore) HealthCheck(_ context.Context) error {
	return nil
}

// Begin implements ingestion.Store.
func (s *MemoryStore) Begin(_ context.Context) (ingestion.UnitOfWork, error) {
	return &memoryUnit{
		store:    s,
		entities: make(map[ingestion.Kind]map[string]memoryRecord),
		links:    make(map[ingestion.Relation]map[memoryLink]struct{}),
	}, nil
}

// Count returns the number of committed entities of kind.
func (s *MemoryStore) Count(kind ingestion.Kind) int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.entities[kind])
}

// Linked returns the committed targets of relation from fromID, sorted.
func (s *MemoryStore) Linked(relation ingestion.Relation, fromID string) []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	targets := make([]string, 0)

	for link := range s.links[relation] {
		if link.from == fromID {
			targets = append(targets, link.to)
		}
	}

	sort.Strings(targets)

	return targets
}

// Lookup returns a copy of the committed entity of kind with the given ID. For
// natural-key kinds the ID is the natural key.
func Lookup[T any](s *MemoryStore, kind ingestion.Kind, id string) (T, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var zero T

	record, ok := s.entities[kind][id]
	if !ok {
		return zero, false
	}

	value, ok := record.value.(T)

	return value, ok
}

// ============================================================================
// Unit of Work
// ============================================================================

// get returns the record visible to the unit: its own writes first, then committed state.
func (u *memoryUnit) get(kind ingestion.Kind, id string) (memoryRecord, bool) {
	if record, ok := u.entities[kind][id]; ok {
		return record, true
	}

	u.store.mutex.RLock()
	defer u.store.mutex.RUnlock()

	record, ok := u.store.entities[kind][id]

	return record, ok
}

func (u *memoryUnit) put(kind ingestion.Kind, id string, value any, unique bool) {
	if u.entities[kind] == nil {
		u.entities[kind] = make(map[string]memoryRecord)
	}

	u.entities[kind][id] = memoryRecord{seq: u.store.seq.Add(1), value: value, unique: unique}
}

// resolve inserts value under id unless an entity with that id is already visible.
func (u *memoryUnit) resolve(kind ingestion.Kind, id string, value any) (bool, error) {
	if u.done {
		return false, ErrUnitClosed
	}

	if id == "" {
		return false, fmt.Errorf("%w: %s", ErrEmptyID, kind)
	}

	if _, exists := u.get(kind, id); exists {
		return false, nil
	}

	u.put(kind, id, value, false)

	return true, nil
}

func (u *memoryUnit) create(kind ingestion.Kind, id string, value any) error {
	if u.done {
		return ErrUnitClosed
	}

	if id == "" {
		return fmt.Errorf("%w: %s", ErrEmptyID, kind)
	}

	if _, exists := u.get(kind, id); exists {
		return fmt.Errorf("%w: %s %s", ErrDuplicateEntity, kind, id)
	}

	u.put(kind, id, value, true)

	return nil
}

func (u *memoryUnit) ResolveSubject(_ context.Context, subject *ingestion.Subject) (bool, error) {
	return u.resolve(ingestion.KindSubject, subject.ID, *subject)
}

func (u *memoryUnit) ResolveResource(_ context.Context, resource *ingestion.Resource) (bool, error) {
	return u.resolve(ingestion.KindResource, resource.ID, *resource)
}

func (u *memoryUnit) ResolveGene(_ context.Context, gene *ingestion.Gene) (bool, error) {
	return u.resolve(ingestion.KindGene, gene.Key, *gene)
}

func (u *memoryUnit) ResolveDisease(_ context.Context, disease *ingestion.Disease) (bool, error) {
	return u.resolve(ingestion.KindDisease, disease.Key, *disease)
}

func (u *memoryUnit) ResolveProcedure(_ context.Context, procedure *ingestion.Procedure) (bool, error) {
	return u.resolve(ingestion.KindProcedure, procedure.Key, *procedure)
}

func (u *memoryUnit) ResolveVariant(_ context.Context, variant *ingestion.Variant) (bool, error) {
	return u.resolve(ingestion.KindVariant, variant.Key, *variant)
}

func (u *memoryUnit) ResolveHTSFile(_ context.Context, file *ingestion.HTSFile) (bool, error) {
	return u.resolve(ingestion.KindHTSFile, file.URI, *file)
}

func (u *memoryUnit) ResolveBiosample(_ context.Context, biosample *ingestion.Biosample) (bool, error) {
	return u.resolve(ingestion.KindBiosample, biosample.ID, *biosample)
}

func (u *memoryUnit) ResolveInstrument(_ context.Context, instrument *ingestion.Instrument) (bool, error) {
	return u.resolve(ingestion.KindInstrument, instrument.Identifier, *instrument)
}

func (u *memoryUnit) ResolveCancerCondition(
	_ context.Context,
	condition *ingestion.CancerCondition,
) (bool, error) {
	return u.resolve(ingestion.KindCancerCondition, condition.ID, *condition)
}

func (u *memoryUnit) ResolveTNMStaging(_ context.Context, staging *ingestion.TNMStaging) (bool, error) {
	return u.resolve(ingestion.KindTNMStaging, staging.ID, *staging)
}

func (u *memoryUnit) ResolveCancerRelatedProcedure(
	_ context.Context,
	procedure *ingestion.CancerRelatedProcedure,
) (bool, error) {
	return u.resolve(ingestion.KindCancerRelatedProcedure, procedure.ID, *procedure)
}

func (u *memoryUnit) ResolveMedicationStatement(
	_ context.Context,
	statement *ingestion.MedicationStatement,
) (bool, error) {
	return u.resolve(ingestion.KindMedicationStatement, statement.ID, *statement)
}

func (u *memoryUnit) ResolveLabsVital(_ context.Context, labsVital *ingestion.LabsVital) (bool, error) {
	return u.resolve(ingestion.KindLabsVital, labsVital.ID, *labsVital)
}

func (u *memoryUnit) CreatePhenotypicFeature(_ context.Context, feature *ingestion.PhenotypicFeature) error {
	return u.create(ingestion.KindPhenotypicFeature, feature.ID, *feature)
}

func (u *memoryUnit) CreateMetadata(_ context.Context, metadata *ingestion.Metadata) error {
	return u.create(ingestion.KindMetadata, metadata.ID, *metadata)
}

func (u *memoryUnit) CreatePhenopacket(_ context.Context, phenopacket *ingestion.Phenopacket) error {
	return u.create(ingestion.KindPhenopacket, phenopacket.ID, *phenopacket)
}

func (u *memoryUnit) CreateExperimentResult(_ context.Context, result *ingestion.ExperimentResult) error {
	return u.create(ingestion.KindExperimentResult, result.ID, *result)
}

func (u *memoryUnit) CreateExperiment(_ context.Context, experiment *ingestion.Experiment) error {
	return u.create(ingestion.KindExperiment, experiment.ID, *experiment)
}

func (u *memoryUnit) CreateMCodePacket(_ context.Context, packet *ingestion.MCodePacket) error {
	return u.create(ingestion.KindMCodePacket, packet.ID, *packet)
}

func (u *memoryUnit) Link(_ context.Context, relation ingestion.Relation, fromID, toID string) error {
	if u.done {
		return ErrUnitClosed
	}

	if !knownRelation(relation) {
		return fmt.Errorf("%w: %s", ErrUnknownRelation, relation)
	}

	if fromID == "" || toID == "" {
		return fmt.Errorf("%w: %s link", ErrEmptyID, relation)
	}

	if u.links[relation] == nil {
		u.links[relation] = make(map[memoryLink]struct{})
	}

	u.links[relation][memoryLink{from: fromID, to: toID}] = struct{}{}

	return nil
}

func (u *memoryUnit) FindTable(_ context.Context, id string) (*ingestion.Table, error) {
	u.store.mutex.RLock()
	defer u.store.mutex.RUnlock()

	table, ok := u.store.tables[id]
	if !ok {
		return nil, fmt.Errorf("%w: table %s", ingestion.ErrNotFound, id)
	}

	return &table, nil
}

func (u *memoryUnit) Exists(_ context.Context, kind ingestion.Kind, id string) (bool, error) {
	_, ok := u.get(kind, id)

	return ok, nil
}

func (u *memoryUnit) FindPhenopacketsBySubject(_ context.Context, subjectID string) ([]string, error) {
	type match struct {
		id  string
		seq int64
	}

	var matches []match

	for _, record := range u.visible(ingestion.KindPhenopacket) {
		if packet, ok := record.value.(ingestion.Phenopacket); ok && packet.SubjectID == subjectID {
			matches = append(matches, match{id: packet.ID, seq: record.seq})
		}
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].seq < matches[j].seq })

	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.id
	}

	return ids, nil
}

func (u *memoryUnit) FindExperimentsByResultIdentifier(_ context.Context, identifier string) ([]string, error) {
	results := u.visible(ingestion.KindExperimentResult)
	seen := make(map[string]struct{})

	for link := range u.visibleLinks(ingestion.RelExperimentResults) {
		record, ok := results[link.to]
		if !ok {
			continue
		}

		if result, ok := record.value.(ingestion.ExperimentResult); ok && result.Identifier == identifier {
			seen[link.from] = struct{}{}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids, nil
}

// visible merges committed records of kind with the unit's own writes.
func (u *memoryUnit) visible(kind ingestion.Kind) map[string]memoryRecord {
	u.store.mutex.RLock()

	merged := make(map[string]memoryRecord, len(u.store.entities[kind])+len(u.entities[kind]))
	for id, record := range u.store.entities[kind] {
		merged[id] = record
	}

	u.store.mutex.RUnlock()

	for id, record := range u.entities[kind] {
		merged[id] = record
	}

	return merged
}

func (u *memoryUnit) visibleLinks(relation ingestion.Relation) map[memoryLink]struct{} {
	u.store.mutex.RLock()

	merged := make(map[memoryLink]struct{}, len(u.store.links[relation])+len(u.links[relation]))
	for link := range u.store.links[relation] {
		merged[link] = struct{}{}
	}

	u.store.mutex.RUnlock()

	for link := range u.links[relation] {
		merged[link] = struct{}{}
	}

	return merged
}

// Commit merges the overlay into committed state. A reusable entity committed by a
// concurrent unit in the meantime wins over this unit's copy; an always-new entity
// whose ID was taken fails the whole commit.
func (u *memoryUnit) Commit() error {
	if u.done {
		return ErrUnitClosed
	}

	u.done = true

	s := u.store

	s.mutex.Lock()
	defer s.mutex.Unlock()

	for kind, records := range u.entities {
		for id, record := range records {
			if _, exists := s.entities[kind][id]; exists && record.unique {
				return fmt.Errorf("%w: %s %s", ErrDuplicateEntity, kind, id)
			}
		}
	}

	for kind, records := range u.entities {
		if s.entities[kind] == nil {
			s.entities[kind] = make(map[string]memoryRecord)
		}

		for id, record := range records {
			if _, exists := s.entities[kind][id]; !exists {
				s.entities[kind][id] = record
			}
		}
	}

	for relation, links := range u.links {
		if s.links[relation] == nil {
			s.links[relation] = make(map[memoryLink]struct{})
		}

		for link := range links {
			s.links[relation][link] = struct{}{}
		}
	}

	return nil
}

// Rollback discards the overlay. Safe to call after Commit.
func (u *memoryUnit) Rollback() error {
	u.done = true
	u.entities = nil
	u.links = nil

	return nil
}

func knownRelation(relation ingestion.Relation) bool {
	for _, r := range ingestion.Relations() {
		if r == relation {
			return true
		}
	}

	return false
}
