package logbook

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func newTestImporter(t *testing.T) (*Store, *Importer) {
	t.Helper()
	store := newTestStore(t)
	importer, err := NewImporter(ImporterConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to build importer: %v", err)
	}
	return store, importer
}

func makeRawRow(from string, timestamp int64, to string) RawRow {
	return RawRow{
		Timestamp:    timestamp,
		FreqHz:       4395000,
		FromCallsign: from,
		ToCallsign:   to,
		ToGrid:       "OM89",
		Mode:         "FM",
	}
}

func TestImportPartitionsRowsByOperator(t *testing.T) {
	store, importer := newTestImporter(t)
	ctx := context.Background()

	data := buildSourceDB(t, []RawRow{
		makeRawRow("BA1AA", 19000*day+60, "BG2BB"),
		makeRawRow("BA1AA", 19001*day+60, "BH3CC"),
		makeRawRow("BG2BB", 19000*day+120, "BA1AA"),
	})

	result, err := importer.Import(ctx, []SourceFile{{Name: "radio.db", Data: data}}, nil)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if result.TotalImported != 3 || result.Failed != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if !reflect.DeepEqual(result.Callsigns, []string{"BA1AA", "BG2BB"}) {
		t.Fatalf("expected discovered callsigns sorted, got %v", result.Callsigns)
	}

	first, err := store.CountContacts(ctx, "BA1AA")
	if err != nil || first != 2 {
		t.Fatalf("expected 2 records for BA1AA: %d %v", first, err)
	}
	second, err := store.CountContacts(ctx, "BG2BB")
	if err != nil || second != 1 {
		t.Fatalf("expected 1 record for BG2BB: %d %v", second, err)
	}
}

func TestImportTwiceIsIdempotent(t *testing.T) {
	store, importer := newTestImporter(t)
	ctx := context.Background()

	row := makeRawRow("BA1AA", 19000*day+60, "BG2BB")
	row.ToComment = "73"
	data := buildSourceDB(t, []RawRow{row})
	sources := []SourceFile{{Name: "radio.db", Data: data}}

	if _, err := importer.Import(ctx, sources, nil); err != nil {
		t.Fatalf("first import failed: %v", err)
	}
	if _, err := importer.Import(ctx, sources, nil); err != nil {
		t.Fatalf("second import failed: %v", err)
	}

	contacts, err := store.GetAll(ctx, "BA1AA")
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(contacts) != 1 {
		t.Fatalf("reimport must not duplicate, got %d records", len(contacts))
	}
	if contacts[0].Comment != "73" {
		t.Fatalf("field values must survive reimport, got %q", contacts[0].Comment)
	}
}

func TestImportSkipsNonDatabaseSources(t *testing.T) {
	store, importer := newTestImporter(t)
	ctx := context.Background()

	data := buildSourceDB(t, []RawRow{makeRawRow("BA1AA", 19000*day+60, "BG2BB")})
	result, err := importer.Import(ctx, []SourceFile{
		{Name: "notes.txt", Data: []byte("not a database")},
		{Name: "radio.db", Data: data},
	}, nil)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if result.TotalImported != 1 {
		t.Fatalf("expected only the .db source to import, got %+v", result)
	}

	count, err := store.CountContacts(ctx, "BA1AA")
	if err != nil || count != 1 {
		t.Fatalf("expected 1 record: %d %v", count, err)
	}
}

func TestImportSkipsUnreadableDatabase(t *testing.T) {
	_, importer := newTestImporter(t)

	good := buildSourceDB(t, []RawRow{makeRawRow("BA1AA", 19000*day+60, "BG2BB")})
	result, err := importer.Import(context.Background(), []SourceFile{
		{Name: "corrupt.db", Data: []byte("garbage bytes")},
		{Name: "radio.db", Data: good},
	}, nil)
	if err != nil {
		t.Fatalf("a bad source must not abort the run: %v", err)
	}
	if result.TotalImported != 1 {
		t.Fatalf("expected 1 imported record, got %+v", result)
	}
}

func TestImportNoDataOnEmptyStore(t *testing.T) {
	_, importer := newTestImporter(t)

	_, err := importer.Import(context.Background(), []SourceFile{
		{Name: "notes.txt", Data: []byte("nothing")},
	}, nil)
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}
}

func TestImportNoDataIsNoOpWhenStorePopulated(t *testing.T) {
	store, importer := newTestImporter(t)
	ctx := context.Background()

	data := buildSourceDB(t, []RawRow{makeRawRow("BA1AA", 19000*day+60, "BG2BB")})
	if _, err := importer.Import(ctx, []SourceFile{{Name: "radio.db", Data: data}}, nil); err != nil {
		t.Fatalf("seed import failed: %v", err)
	}

	// A rerun that finds nothing importable succeeds as a no-op.
	result, err := importer.Import(ctx, []SourceFile{{Name: "notes.txt", Data: []byte("nothing")}}, nil)
	if err != nil {
		t.Fatalf("rerun must be a no-op: %v", err)
	}
	if result.TotalImported != 0 {
		t.Fatalf("no-op rerun must import nothing, got %+v", result)
	}
	count, err := store.CountContacts(ctx, "BA1AA")
	if err != nil || count != 1 {
		t.Fatalf("existing data must survive: %d %v", count, err)
	}
}

func TestImportReportsProgressPerGroup(t *testing.T) {
	_, importer := newTestImporter(t)

	first := buildSourceDB(t, []RawRow{
		makeRawRow("BA1AA", 19000*day+60, "BG2BB"),
		makeRawRow("BG2BB", 19000*day+120, "BA1AA"),
	})
	second := buildSourceDB(t, []RawRow{
		makeRawRow("BA1AA", 19001*day+60, "BH3CC"),
	})

	var updates []ImportProgress
	_, err := importer.Import(context.Background(), []SourceFile{
		{Name: "first.db", Data: first},
		{Name: "second.db", Data: second},
	}, func(p ImportProgress) {
		updates = append(updates, p)
	})
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}

	// Three (file, callsign) groups in total.
	if len(updates) != 3 {
		t.Fatalf("expected 3 progress updates, got %d: %+v", len(updates), updates)
	}
	for i, update := range updates {
		if update.Current != i+1 || update.Total != 3 {
			t.Fatalf("update %d has wrong counters: %+v", i, update)
		}
	}
	last := updates[len(updates)-1]
	if last.Callsign != "BA1AA" || last.Imported != 2 {
		t.Fatalf("imported count must accumulate per callsign, got %+v", last)
	}
}

func TestExportRoundTrips(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seed := makeContact("BA1AA", 19000*day+60, "BG2BB")
	seed.Comment = "73"
	seed.RelayName = "Hilltop"
	seed.RelayOperator = "BR1RR"
	mustUpsert(t, store, "BA1AA", []Contact{seed})

	fileName, data, err := store.Export(ctx, "BA1AA")
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if fileName == "" || len(data) == 0 {
		t.Fatalf("export yielded empty output")
	}

	fresh := newTestStore(t)
	freshImporter, err := NewImporter(ImporterConfig{Store: fresh})
	if err != nil {
		t.Fatalf("failed to build importer: %v", err)
	}
	if _, err := freshImporter.Import(ctx, []SourceFile{{Name: fileName, Data: data}}, nil); err != nil {
		t.Fatalf("reimport failed: %v", err)
	}

	contacts, err := fresh.GetAll(ctx, "BA1AA")
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(contacts) != 1 {
		t.Fatalf("expected 1 record after round trip, got %d", len(contacts))
	}
	if !reflect.DeepEqual(contacts[0], seed) {
		t.Fatalf("round trip mismatch: %+v vs %+v", contacts[0], seed)
	}
}

func TestExportEmptyPartitionFails(t *testing.T) {
	store := newTestStore(t)
	_, _, err := store.Export(context.Background(), "BA1AA")
	if !errors.Is(err, ErrEmptyPartition) {
		t.Fatalf("expected ErrEmptyPartition, got %v", err)
	}
}
