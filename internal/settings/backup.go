package settings

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// artifactTimeLayout sorts lexically in chronological order and carries
// milliseconds so back-to-back exports do not collide.
const artifactTimeLayout = "20060102T150405.000Z"

// Artifact is a named export ready for delivery.
type Artifact struct {
	Name     string
	Content  []byte
	Document BackupDocument
	// Location is where the sink delivered the artifact.
	Location string
}

// ArtifactName returns the file name for an export taken at t.
func ArtifactName(t time.Time) string {
	return "containers-backup-" + t.UTC().Format(artifactTimeLayout) + ".json"
}

// Exporter serializes the coordinator's profile snapshot into a backup
// artifact.
type Exporter struct {
	coord   Coordinator
	sink    ArtifactSink
	clock   Clock
	timeout time.Duration
	logger  *slog.Logger
}

// NewExporter creates an Exporter that delivers to sink.
func NewExporter(coord Coordinator, sink ArtifactSink, timeout time.Duration) *Exporter {
	return NewExporterWithClock(coord, sink, timeout, realClock{})
}

// NewExporterWithClock creates an Exporter with a custom clock (for testing).
func NewExporterWithClock(coord Coordinator, sink ArtifactSink, timeout time.Duration, clock Clock) *Exporter {
	return &Exporter{
		coord:   coord,
		sink:    sink,
		clock:   clock,
		timeout: timeout,
		logger:  slog.Default(),
	}
}

// ExportBackup fetches the snapshot, encodes it and hands it to the sink.
func (e *Exporter) ExportBackup(ctx context.Context) (Artifact, error) {
	ctx, cancel := withTimeout(ctx, e.timeout)
	defer cancel()

	snapshot, err := e.coord.ExportProfileSnapshot(ctx)
	if err != nil {
		return Artifact{}, classify("requesting profile snapshot", err)
	}

	now := e.clock.Now()
	doc := BackupDocument{CreatedAt: now.UTC(), Profiles: snapshot}
	content, err := EncodeBackup(doc)
	if err != nil {
		return Artifact{}, err
	}

	a := Artifact{Name: ArtifactName(now), Content: content, Document: doc}
	loc, err := e.sink.Deliver(ctx, a)
	if err != nil {
		return Artifact{}, classify(fmt.Sprintf("delivering %s", a.Name), err)
	}
	a.Location = loc

	e.logger.Info("backup exported", "artifact", a.Name, "profiles", len(snapshot))
	return a, nil
}

// RestoreResult reports what the coordinator did with an import.
type RestoreResult struct {
	RestoredCount int `json:"restored"`
	Submitted     int `json:"submitted"`
}

// Partial reports whether the coordinator created fewer profiles than were
// submitted (duplicates or invalid entries). It is not an error.
func (r RestoreResult) Partial() bool {
	return r.RestoredCount < r.Submitted
}

// Message is the user-facing summary.
func (r RestoreResult) Message() string {
	return fmt.Sprintf("%d containers restored.", r.RestoredCount)
}

// Importer parses a backup document and submits it for bulk apply.
type Importer struct {
	coord   Coordinator
	timeout time.Duration
	logger  *slog.Logger
}

// NewImporter creates an Importer.
func NewImporter(coord Coordinator, timeout time.Duration) *Importer {
	return &Importer{coord: coord, timeout: timeout, logger: slog.Default()}
}

// ImportBackup decodes data and forwards its profiles to the coordinator.
// Any parse failure is ErrCorrupt; the cause is logged, not returned.
func (i *Importer) ImportBackup(ctx context.Context, data []byte) (RestoreResult, error) {
	doc, err := DecodeBackup(data)
	if err != nil {
		i.logger.Warn("cannot restore containers list", "error", err)
		return RestoreResult{}, ErrCorrupt
	}

	ctx, cancel := withTimeout(ctx, i.timeout)
	defer cancel()

	restored, err := i.coord.ApplyProfileImport(ctx, doc.Profiles)
	if err != nil {
		return RestoreResult{}, classify("applying profile import", err)
	}

	res := RestoreResult{RestoredCount: restored, Submitted: len(doc.Profiles)}
	i.logger.Info("backup restored", "restored", res.RestoredCount, "submitted", res.Submitted)
	return res, nil
}
