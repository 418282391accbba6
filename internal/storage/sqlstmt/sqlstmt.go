// Package sqlstmt builds the SQL statements shared by the sqlite and postgres
// artifact stores. Both engines accept the same statement text; only the
// placeholder format and the timestamp encoding differ.
package sqlstmt

import (
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/JakeFAU/artifact-pipeline/internal/pipeline"
)

// Table names.
const (
	TableArtifacts = "artifacts"
	TableAssets    = "media_assets"
	TableCursors   = "discovery_cursors"
	TableConfig    = "system_config"
	TableActivity  = "activity_log"
)

// RunStateKey is the system_config key holding the run flag.
const RunStateKey = "run_state"

// ArtifactColumns is the column order scanned by the stores.
var ArtifactColumns = []string{
	"id",
	"source_name",
	"source_url",
	"stage",
	"version",
	"created_at",
	"updated_at",
	"failure_count",
	"last_error",
	"failed_from",
	"title",
	"description",
	"archive_uri",
}

// Dialect captures the engine-specific encodings.
type Dialect struct {
	Placeholder sq.PlaceholderFormat
	// Time converts a timestamp into the driver value stored in the database.
	Time func(time.Time) any
}

// SQLite stores timestamps as unix nanoseconds.
var SQLite = Dialect{
	Placeholder: sq.Question,
	Time:        func(t time.Time) any { return t.UTC().UnixNano() },
}

// Postgres stores timestamps as timestamptz.
var Postgres = Dialect{
	Placeholder: sq.Dollar,
	Time:        func(t time.Time) any { return t.UTC() },
}

func (d Dialect) sb() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(d.Placeholder)
}

// InsertArtifact inserts a DISCOVERED artifact, ignoring duplicate IDs.
func (d Dialect) InsertArtifact(a pipeline.Artifact, now time.Time) sq.InsertBuilder {
	created := a.CreatedAt
	if created.IsZero() {
		created = now
	}
	return d.sb().Insert(TableArtifacts).
		Columns("id", "source_name", "source_url", "stage", "version", "created_at", "updated_at").
		Values(a.ID, a.SourceName, a.SourceURL, string(pipeline.StageDiscovered), 1, d.Time(created), d.Time(now)).
		Suffix("ON CONFLICT (id) DO NOTHING")
}

// SelectArtifact selects one artifact by ID.
func (d Dialect) SelectArtifact(id string) sq.SelectBuilder {
	return d.sb().Select(ArtifactColumns...).From(TableArtifacts).Where(sq.Eq{"id": id})
}

// CountByStage groups artifact counts by stage.
func (d Dialect) CountByStage() sq.SelectBuilder {
	return d.sb().Select("stage", "COUNT(*)").From(TableArtifacts).GroupBy("stage")
}

// Oldest selects the oldest artifact at stage.
func (d Dialect) Oldest(stage pipeline.Stage) sq.SelectBuilder {
	return d.sb().Select(ArtifactColumns...).
		From(TableArtifacts).
		Where(sq.Eq{"stage": string(stage)}).
		OrderBy("created_at ASC", "id ASC").
		Limit(1)
}

// Claim is the compare-and-swap on (stage, version).
func (d Dialect) Claim(id string, from pipeline.Stage, version int64, to pipeline.Stage, now time.Time) sq.UpdateBuilder {
	return d.sb().Update(TableArtifacts).
		Set("stage", string(to)).
		Set("version", sq.Expr("version + 1")).
		Set("updated_at", d.Time(now)).
		Where(sq.Eq{"id": id, "stage": string(from), "version": version})
}

// Finalize completes a claim and resets the failure counters.
func (d Dialect) Finalize(claim pipeline.Claim, done pipeline.Stage, now time.Time) sq.UpdateBuilder {
	return d.sb().Update(TableArtifacts).
		Set("stage", string(done)).
		Set("version", sq.Expr("version + 1")).
		Set("failure_count", 0).
		Set("last_error", "").
		Set("updated_at", d.Time(now)).
		Where(sq.Eq{"id": claim.ArtifactID, "stage": string(claim.Stage), "version": claim.Version})
}

// RecordFailure increments the failure count and releases the claim, moving
// the artifact to FAILED once the ceiling is reached.
func (d Dialect) RecordFailure(claim pipeline.Claim, f pipeline.Failure, now time.Time) sq.UpdateBuilder {
	exhausted := "? > 0 AND failure_count + 1 >= ?"
	return d.sb().Update(TableArtifacts).
		Set("failure_count", sq.Expr("failure_count + 1")).
		Set("last_error", f.Message).
		Set("stage", sq.Expr("CASE WHEN "+exhausted+" THEN ? ELSE ? END",
			f.Ceiling, f.Ceiling, string(pipeline.StageFailed), string(f.Release))).
		Set("failed_from", sq.Expr("CASE WHEN "+exhausted+" THEN ? ELSE failed_from END",
			f.Ceiling, f.Ceiling, string(f.Release))).
		Set("version", sq.Expr("version + 1")).
		Set("updated_at", d.Time(now)).
		Where(sq.Eq{"id": claim.ArtifactID, "stage": string(claim.Stage), "version": claim.Version})
}

// Transition is an unclaimed conditional stage move.
func (d Dialect) Transition(id string, from, to pipeline.Stage, now time.Time) sq.UpdateBuilder {
	return d.sb().Update(TableArtifacts).
		Set("stage", string(to)).
		Set("version", sq.Expr("version + 1")).
		Set("updated_at", d.Time(now)).
		Where(sq.Eq{"id": id, "stage": string(from)})
}

// RetryFailed returns a FAILED artifact to the stage it failed from.
func (d Dialect) RetryFailed(id string, now time.Time) sq.UpdateBuilder {
	return d.sb().Update(TableArtifacts).
		Set("stage", sq.Expr("CASE WHEN failed_from = '' THEN ? ELSE failed_from END", string(pipeline.StageDiscovered))).
		Set("failed_from", "").
		Set("failure_count", 0).
		Set("version", sq.Expr("version + 1")).
		Set("updated_at", d.Time(now)).
		Where(sq.Eq{"id": id, "stage": string(pipeline.StageFailed)})
}

// ReleaseStale returns one statement per in-progress stage that moves its
// artifacts back to the pre-claim stage. A non-zero cutoff limits the release
// to claims taken before it.
func (d Dialect) ReleaseStale(now, cutoff time.Time) []sq.UpdateBuilder {
	var out []sq.UpdateBuilder
	for _, stage := range pipeline.Stages() {
		from, ok := stage.PreClaim()
		if !ok {
			continue
		}
		ub := d.sb().Update(TableArtifacts).
			Set("stage", string(from)).
			Set("version", sq.Expr("version + 1")).
			Set("updated_at", d.Time(now)).
			Where(sq.Eq{"stage": string(stage)})
		if !cutoff.IsZero() {
			ub = ub.Where(sq.Lt{"updated_at": d.Time(cutoff)})
		}
		out = append(out, ub)
	}
	return out
}

// SaveDetails updates the non-empty descriptive fields. ok is false when
// there is nothing to write.
func (d Dialect) SaveDetails(id string, details pipeline.Details, now time.Time) (sq.UpdateBuilder, bool) {
	ub := d.sb().Update(TableArtifacts).Where(sq.Eq{"id": id})
	changed := false
	if details.Title != "" {
		ub = ub.Set("title", details.Title)
		changed = true
	}
	if details.Description != "" {
		ub = ub.Set("description", details.Description)
		changed = true
	}
	if details.ArchiveURI != "" {
		ub = ub.Set("archive_uri", details.ArchiveURI)
		changed = true
	}
	return ub.Set("updated_at", d.Time(now)), changed
}

// DeleteAssets removes every asset of an artifact.
func (d Dialect) DeleteAssets(id string) sq.DeleteBuilder {
	return d.sb().Delete(TableAssets).Where(sq.Eq{"artifact_id": id})
}

// InsertAssets inserts assets in order.
func (d Dialect) InsertAssets(id string, assets []pipeline.MediaAsset) sq.InsertBuilder {
	ib := d.sb().Insert(TableAssets).
		Columns("artifact_id", "position", "asset_url", "role", "staged_uri", "content_type")
	for i, a := range assets {
		ib = ib.Values(id, i, a.AssetURL, a.Role, a.StagedURI, a.ContentType)
	}
	return ib
}

// SelectAssets lists the assets of an artifact in insertion order.
func (d Dialect) SelectAssets(id string) sq.SelectBuilder {
	return d.sb().Select("artifact_id", "asset_url", "role", "staged_uri", "content_type").
		From(TableAssets).
		Where(sq.Eq{"artifact_id": id}).
		OrderBy("position ASC")
}

// SelectCursor reads the last page of one source.
func (d Dialect) SelectCursor(source string) sq.SelectBuilder {
	return d.sb().Select("last_page").From(TableCursors).Where(sq.Eq{"source_name": source})
}

// AdvanceCursor upserts a cursor without ever lowering it.
func (d Dialect) AdvanceCursor(source string, page int, now time.Time) sq.InsertBuilder {
	return d.sb().Insert(TableCursors).
		Columns("source_name", "last_page", "updated_at").
		Values(source, page, d.Time(now)).
		Suffix("ON CONFLICT (source_name) DO UPDATE SET last_page = excluded.last_page, updated_at = excluded.updated_at " +
			"WHERE excluded.last_page > " + TableCursors + ".last_page")
}

// SelectCursors lists every cursor ordered by source.
func (d Dialect) SelectCursors() sq.SelectBuilder {
	return d.sb().Select("source_name", "last_page", "updated_at").From(TableCursors).OrderBy("source_name ASC")
}

// SelectConfig reads a system_config value.
func (d Dialect) SelectConfig(key string) sq.SelectBuilder {
	return d.sb().Select("value").From(TableConfig).Where(sq.Eq{"key": key})
}

// UpsertConfig writes a system_config value.
func (d Dialect) UpsertConfig(key, value string) sq.InsertBuilder {
	return d.sb().Insert(TableConfig).
		Columns("key", "value").
		Values(key, value).
		Suffix("ON CONFLICT (key) DO UPDATE SET value = excluded.value")
}

// InsertActivity appends a feed entry.
func (d Dialect) InsertActivity(entry pipeline.Activity) sq.InsertBuilder {
	return d.sb().Insert(TableActivity).
		Columns("artifact_id", "action", "kind", "message", "at").
		Values(entry.ArtifactID, entry.Action, entry.Kind, entry.Message, d.Time(entry.At))
}

// SelectActivity reads the newest feed entries.
func (d Dialect) SelectActivity(limit int) sq.SelectBuilder {
	sb := d.sb().Select("artifact_id", "action", "kind", "message", "at").
		From(TableActivity).
		OrderBy("id DESC")
	if limit > 0 {
		sb = sb.Limit(uint64(limit))
	}
	return sb
}
