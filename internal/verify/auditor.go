// Package verify audits persisted ledgers: it re-walks every stored chain,
// commits to it with a Merkle root and produces the export and proof
// documents handed to external auditors.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/witnz/auditsync/internal/hash"
	"github.com/witnz/auditsync/internal/ledger"
	"github.com/witnz/auditsync/internal/storage"
)

const checkpointPrefix = "checkpoint:"

// Alerter is told where a chain stopped verifying.
type Alerter interface {
	SendHashChainBrokenAlert(module string, position uint64, expectedHash, actualHash string) error
}

// Report is the outcome of a successful verification. The latest report per
// module is kept as that module's checkpoint.
type Report struct {
	Module     string    `json:"module"`
	Entries    int       `json:"entries"`
	Head       string    `json:"head"`
	MerkleRoot string    `json:"merkleRoot"`
	VerifiedAt time.Time `json:"verifiedAt"`
}

// Export is the evidence document for one module.
type Export struct {
	Module     string            `json:"module"`
	Entries    []ledger.LogEntry `json:"entries"`
	Head       string            `json:"head"`
	MerkleRoot string            `json:"merkleRoot"`
}

type Auditor struct {
	storage *storage.Storage
	alerts  Alerter
	logger  *slog.Logger
	now     func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewAuditor(store *storage.Storage, alerts Alerter, logger *slog.Logger) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		storage: store,
		alerts:  alerts,
		logger:  logger,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
}

// load reads a module's chain in position order. A hole in the stored
// positions means an entry was removed underneath the ledger.
func (a *Auditor) load(module string) ([]ledger.LogEntry, error) {
	stored, err := a.storage.Entries(module)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s ledger: %w", module, err)
	}

	entries := make([]ledger.LogEntry, len(stored))
	for i, e := range stored {
		if e.Position != uint64(i) {
			return nil, &ledger.TamperError{
				Module:   module,
				Position: uint64(i),
				Reason:   ledger.ReasonMissingEntry,
				Expected: strconv.Itoa(i),
				Actual:   strconv.FormatUint(e.Position, 10),
			}
		}
		entries[i] = ledger.FromHashEntry(e)
	}
	return entries, nil
}

func merkleRoot(entries []ledger.LogEntry) string {
	tree := hash.NewMerkleTree()
	for _, e := range entries {
		tree.AddLeafHash(e.Hash)
	}
	return tree.Root()
}

func head(entries []ledger.LogEntry) string {
	if len(entries) == 0 {
		return ""
	}
	return entries[len(entries)-1].Hash
}

// VerifyModule re-verifies the persisted chain of module from position 0.
// On success the report becomes the module's checkpoint; on tampering the
// *ledger.TamperError is returned and an alert is raised.
func (a *Auditor) VerifyModule(module string) (*Report, error) {
	entries, err := a.load(module)
	if err == nil {
		err = ledger.Verify(module, entries)
	}
	if err != nil {
		if te := ledger.AsTamperError(err); te != nil {
			a.logger.Error("Ledger tampering detected",
				"module", module,
				"position", te.Position,
				"reason", te.Reason,
			)
			if a.alerts != nil {
				if alertErr := a.alerts.SendHashChainBrokenAlert(module, te.Position, te.Expected, te.Actual); alertErr != nil {
					a.logger.Warn("Failed to send tamper alert", "module", module, "error", alertErr)
				}
			}
		}
		return nil, err
	}

	report := &Report{
		Module:     module,
		Entries:    len(entries),
		Head:       head(entries),
		MerkleRoot: merkleRoot(entries),
		VerifiedAt: a.now().UTC(),
	}

	data, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if err := a.storage.SetMetadata(checkpointPrefix+module, string(data)); err != nil {
		return nil, fmt.Errorf("failed to save checkpoint: %w", err)
	}

	return report, nil
}

// VerifyAll verifies every stored module. Reports are returned for the
// modules that verified; failures are joined into the error.
func (a *Auditor) VerifyAll() ([]*Report, error) {
	modules, err := a.storage.Modules()
	if err != nil {
		return nil, fmt.Errorf("failed to list modules: %w", err)
	}

	var (
		reports []*Report
		errs    []error
	)
	for _, module := range modules {
		report, err := a.VerifyModule(module)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		reports = append(reports, report)
	}

	return reports, errors.Join(errs...)
}

// Checkpoint returns the last successful report for module.
func (a *Auditor) Checkpoint(module string) (*Report, error) {
	raw, err := a.storage.GetMetadata(checkpointPrefix + module)
	if err != nil {
		return nil, err
	}

	var report Report
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &report, nil
}

// Export returns the stored chain as-is. It does not verify; auditors run
// their own recomputation over the document. A module with no stored
// entries is storage.ErrNotFound, as it is for Proof.
func (a *Auditor) Export(module string) (*Export, error) {
	ok, err := a.storage.HasModule(module)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s ledger: %w", module, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: module %s", storage.ErrNotFound, module)
	}

	entries, err := a.load(module)
	if err != nil {
		return nil, err
	}

	return &Export{
		Module:     module,
		Entries:    entries,
		Head:       head(entries),
		MerkleRoot: merkleRoot(entries),
	}, nil
}

// Start verifies every module once, then keeps re-verifying on interval
// until Stop or ctx is done. A zero interval only runs the startup pass.
func (a *Auditor) Start(ctx context.Context, interval time.Duration) error {
	reports, err := a.VerifyAll()
	for _, r := range reports {
		a.logger.Info("Ledger verified", "module", r.Module, "entries", r.Entries, "merkle_root", r.MerkleRoot)
	}
	if err != nil {
		a.logger.Warn("Startup verification found problems", "error", err)
	}

	if interval <= 0 {
		return nil
	}

	a.wg.Add(1)
	go a.runPeriodicVerification(ctx, interval)
	return nil
}

func (a *Auditor) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.wg.Wait()
}

func (a *Auditor) runPeriodicVerification(ctx context.Context, interval time.Duration) {
	defer a.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.VerifyAll(); err != nil {
				a.logger.Error("Periodic verification failed", "error", err)
			}
		}
	}
}
