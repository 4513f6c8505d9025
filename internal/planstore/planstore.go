// Package planstore implements durable, atomic plan persistence: temp-file
// + fsync + rename writes, an index file tracking the single active plan,
// and startup reconciliation, generalizing the upsert-by-timestamp shape
// of scheduler/mpc_persistence.go from a Postgres transaction to the
// filesystem. An optional PostgresMirror (mirror.go) replicates the same
// upsert shape to Postgres for fleet-wide reporting, with the file store
// remaining authoritative.
package planstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oig-battery-box/batterycore/internal/errs"
	"github.com/oig-battery-box/batterycore/internal/types"
)

type indexFile struct {
	ActivePlanID string `json:"active_plan_id"`
}

type planFile struct {
	Plan     types.Plan `json:"plan"`
	Checksum string     `json:"checksum"`
}

// Filter narrows List() results; a nil field means "don't filter on this".
type Filter struct {
	Kind   *types.PlanKind
	Status *types.PlanStatus
}

// Store is a durable, file-backed plan store for one box identifier.
// Transitions are serialized through mu so activate-then-deactivate pairs
// are observed atomically by all readers (§5).
type Store struct {
	dir    string
	logger *log.Logger
	mu     sync.Mutex
	pg     *PostgresMirror
}

// New opens (creating if necessary) the plan store directory and runs
// startup reconciliation.
func New(dir string, logger *log.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create plan store directory: %w", err)
	}
	s := &Store{dir: dir, logger: logger}
	if err := s.reconcile(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetMirror attaches an optional Postgres mirror; every subsequent plan
// write is best-effort replicated to it. Pass nil to disable.
func (s *Store) SetMirror(pg *PostgresMirror) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pg = pg
}

func (s *Store) planPath(id string) string {
	return filepath.Join(s.dir, fmt.Sprintf("plan_%s.json", id))
}

func (s *Store) indexPath() string {
	return filepath.Join(s.dir, "index.json")
}

// Create persists a new plan with status "simulated" and returns its plan_id.
func (s *Store) Create(plan types.Plan) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if plan.PlanID == "" {
		plan.PlanID = fmt.Sprintf("%d", time.Now().UnixNano())
	}
	plan.Status = types.PlanSimulated
	if plan.CreatedTS.IsZero() {
		plan.CreatedTS = time.Now()
	}

	if err := s.writePlan(plan); err != nil {
		return "", fmt.Errorf("failed to create plan: %w", err)
	}
	return plan.PlanID, nil
}

// Activate transitions planID to active and, if a different plan is
// currently active, transitions it to deactivated. Re-activating the
// already-active plan is a no-op (idempotent).
func (s *Store) Activate(planID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, err := s.readPlan(s.planPath(planID))
	if err != nil {
		if errors.Is(err, errs.ErrCorruptState) {
			s.quarantine(s.planPath(planID))
		}
		return fmt.Errorf("%w: plan %s", errs.ErrNotFound, planID)
	}

	idx, err := s.readIndex()
	if err != nil {
		return fmt.Errorf("failed to read index: %w", err)
	}

	if idx.ActivePlanID == planID && target.Status == types.PlanActive {
		return nil
	}

	now := time.Now()

	if idx.ActivePlanID != "" && idx.ActivePlanID != planID {
		prev, err := s.readPlan(s.planPath(idx.ActivePlanID))
		if err == nil && prev.Status == types.PlanActive {
			prev.Status = types.PlanDeactivated
			prev.DeactivatedTS = &now
			if err := s.writePlan(prev); err != nil {
				return fmt.Errorf("failed to deactivate prior plan: %w", err)
			}
		}
	}

	target.Status = types.PlanActive
	target.ActivatedTS = &now
	if err := s.writePlan(target); err != nil {
		return fmt.Errorf("failed to activate plan: %w", err)
	}

	return s.writeIndex(indexFile{ActivePlanID: planID})
}

// Deactivate transitions planID to deactivated unconditionally.
func (s *Store) Deactivate(planID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	plan, err := s.readPlan(s.planPath(planID))
	if err != nil {
		return fmt.Errorf("%w: plan %s", errs.ErrNotFound, planID)
	}
	if plan.Status == types.PlanDeactivated {
		return nil
	}

	now := time.Now()
	plan.Status = types.PlanDeactivated
	plan.DeactivatedTS = &now
	if err := s.writePlan(plan); err != nil {
		return fmt.Errorf("failed to deactivate plan: %w", err)
	}

	idx, err := s.readIndex()
	if err == nil && idx.ActivePlanID == planID {
		return s.writeIndex(indexFile{})
	}
	return nil
}

// MarkExternallyOverridden flags planID as externally overridden, without
// changing its status, so C10 can record a mobile-app override against the
// plan it preempted.
func (s *Store) MarkExternallyOverridden(planID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	plan, err := s.readPlan(s.planPath(planID))
	if err != nil {
		return fmt.Errorf("%w: plan %s", errs.ErrNotFound, planID)
	}
	if plan.ExternallyOverridden {
		return nil
	}
	plan.ExternallyOverridden = true
	return s.writePlan(plan)
}

// GetActive returns the box's current active plan.
func (s *Store) GetActive() (types.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.readIndex()
	if err != nil || idx.ActivePlanID == "" {
		return types.Plan{}, errs.ErrNotFound
	}
	plan, err := s.readPlan(s.planPath(idx.ActivePlanID))
	if err != nil {
		return types.Plan{}, fmt.Errorf("%w: active plan unreadable", errs.ErrCorruptState)
	}
	return plan, nil
}

// List returns every valid (non-quarantined) plan matching filter, sorted by created_ts.
func (s *Store) List(filter Filter) ([]types.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	plans, err := s.loadAllValid()
	if err != nil {
		return nil, err
	}

	if filter.Kind == nil && filter.Status == nil {
		return plans, nil
	}

	out := make([]types.Plan, 0, len(plans))
	for _, p := range plans {
		if filter.Kind != nil && p.Kind != *filter.Kind {
			continue
		}
		if filter.Status != nil && p.Status != *filter.Status {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename temp file into place: %w", err)
	}
	return nil
}

func checksumOf(plan types.Plan) (string, error) {
	data, err := json.Marshal(plan)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func (s *Store) writePlan(plan types.Plan) error {
	sum, err := checksumOf(plan)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}
	data, err := json.MarshalIndent(planFile{Plan: plan, Checksum: sum}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal plan file: %w", err)
	}
	if err := writeAtomic(s.planPath(plan.PlanID), data); err != nil {
		return err
	}
	s.mirror(plan)
	return nil
}

func (s *Store) writeIndex(idx indexFile) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal index: %w", err)
	}
	return writeAtomic(s.indexPath(), data)
}

func (s *Store) readIndex() (indexFile, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return indexFile{}, nil
		}
		return indexFile{}, err
	}
	var idx indexFile
	if err := json.Unmarshal(data, &idx); err != nil {
		return indexFile{}, fmt.Errorf("%w: corrupt index", errs.ErrCorruptState)
	}
	return idx, nil
}

func (s *Store) readPlan(path string) (types.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Plan{}, err
	}
	var wrapper planFile
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return types.Plan{}, fmt.Errorf("%w: %v", errs.ErrCorruptState, err)
	}
	sum, err := checksumOf(wrapper.Plan)
	if err != nil || sum != wrapper.Checksum {
		return types.Plan{}, errs.ErrCorruptState
	}
	return wrapper.Plan, nil
}

// quarantine renames a corrupt plan file aside so it's omitted from listings.
func (s *Store) quarantine(path string) {
	dest := path + ".corrupt"
	if err := os.Rename(path, dest); err != nil {
		if s.logger != nil {
			s.logger.Printf("planstore: failed to quarantine %s: %v", path, err)
		}
		return
	}
	if s.logger != nil {
		s.logger.Printf("planstore: quarantined corrupt plan file %s", path)
	}
}

// loadAllValid lists plan_*.json files, quarantining any that fail
// checksum verification, and returns the valid ones sorted by created_ts.
func (s *Store) loadAllValid() ([]types.Plan, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list plan store directory: %w", err)
	}

	var plans []types.Plan
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "plan_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(s.dir, name)
		plan, err := s.readPlan(path)
		if err != nil {
			s.quarantine(path)
			continue
		}
		plans = append(plans, plan)
	}

	sort.Slice(plans, func(i, j int) bool { return plans[i].CreatedTS.Before(plans[j].CreatedTS) })
	return plans, nil
}

// reconcile runs the startup consistency pass from §4.6: exactly one active
// plan per box, electing the newest valid simulated plan if the index is
// corrupt, missing, or inconsistent with the plan files on disk.
func (s *Store) reconcile() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	plans, err := s.loadAllValid()
	if err != nil {
		return err
	}

	idx, idxErr := s.readIndex()

	activeCount := 0
	activeID := ""
	for _, p := range plans {
		if p.Status == types.PlanActive {
			activeCount++
			activeID = p.PlanID
		}
	}

	if idxErr == nil && activeCount == 1 && idx.ActivePlanID == activeID {
		return nil
	}

	if s.logger != nil {
		s.logger.Printf("planstore: reconciling plan store state (active_count=%d, index=%q)", activeCount, idx.ActivePlanID)
	}

	if activeCount > 1 {
		newest, found := newestActivated(plans)
		if !found {
			return fmt.Errorf("%w: multiple active plans with no activation timestamp", errs.ErrCorruptState)
		}
		for i := range plans {
			if plans[i].Status == types.PlanActive && plans[i].PlanID != newest.PlanID {
				now := time.Now()
				plans[i].Status = types.PlanDeactivated
				plans[i].DeactivatedTS = &now
				if err := s.writePlan(plans[i]); err != nil {
					return err
				}
			}
		}
		return s.writeIndex(indexFile{ActivePlanID: newest.PlanID})
	}

	if activeCount == 1 {
		return s.writeIndex(indexFile{ActivePlanID: activeID})
	}

	newest, found := newestSimulated(plans)
	if !found {
		return s.writeIndex(indexFile{})
	}

	now := time.Now()
	newest.Status = types.PlanActive
	newest.ActivatedTS = &now
	if err := s.writePlan(newest); err != nil {
		return err
	}
	if s.logger != nil {
		s.logger.Printf("planstore: elected plan %s as active after corrupt/missing index", newest.PlanID)
	}
	return s.writeIndex(indexFile{ActivePlanID: newest.PlanID})
}

func newestActivated(plans []types.Plan) (types.Plan, bool) {
	var best types.Plan
	found := false
	for _, p := range plans {
		if p.Status != types.PlanActive || p.ActivatedTS == nil {
			continue
		}
		if !found || p.ActivatedTS.After(*best.ActivatedTS) {
			best = p
			found = true
		}
	}
	return best, found
}

func newestSimulated(plans []types.Plan) (types.Plan, bool) {
	var best types.Plan
	found := false
	for _, p := range plans {
		if p.Status != types.PlanSimulated {
			continue
		}
		if !found || p.CreatedTS.After(best.CreatedTS) {
			best = p
			found = true
		}
	}
	return best, found
}
