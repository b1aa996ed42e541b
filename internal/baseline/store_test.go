package baseline

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vandah/analyzer/internal/config"
	"github.com/vandah/analyzer/internal/lifetime"
	"github.com/vandah/analyzer/internal/scanner"
)

func finding(kind lifetime.FindingKind, file string, line int, offset int64) *scanner.Finding {
	rule := scanner.RuleFor(kind)
	return &scanner.Finding{
		RuleID:    rule.ID,
		Kind:      kind,
		Severity:  rule.Severity,
		File:      file,
		Line:      line,
		Column:    5,
		Procedure: "main",
		Variable:  "p",
		Offset:    offset,
		Message:   "p used after free",
	}
}

func openStore(t *testing.T, path string) *Store {
	t.Helper()
	store, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCompareAgainstEmptyBaseline(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, filepath.Join(t.TempDir(), "nested", "baseline.db"))

	findings := []*scanner.Finding{finding(lifetime.FindingUseAfterFree, "a.c", 4, 0)}
	diff, err := store.Compare(ctx, findings)
	require.NoError(t, err)
	assert.Len(t, diff.New, 1)
	assert.Empty(t, diff.Fixed)
	assert.Equal(t, 0, diff.Unchanged)

	_, ok, err := store.LastRecorded(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecordAndCompare(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "baseline.db")
	store := openStore(t, path)

	kept := finding(lifetime.FindingUseAfterFree, "a.c", 4, 0)
	fixed := finding(lifetime.FindingDoubleFree, "a.c", 9, 0)
	require.NoError(t, store.Record(ctx, []*scanner.Finding{kept, fixed}))

	entries, err := store.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "UseAfterFree", entries[0].Kind)
	assert.Equal(t, config.SeverityHigh.String(), entries[1].Severity)
	assert.Equal(t, "p", entries[0].Variable)

	added := finding(lifetime.FindingUseAfterFree, "a.c", 4, 1)
	diff, err := store.Compare(ctx, []*scanner.Finding{kept, added})
	require.NoError(t, err)
	require.Len(t, diff.New, 1)
	assert.Same(t, added, diff.New[0])
	require.Len(t, diff.Fixed, 1)
	assert.Equal(t, Fingerprint(fixed), diff.Fixed[0].Fingerprint)
	assert.Equal(t, 1, diff.Unchanged)

	_, ok, err := store.LastRecorded(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBaselinePersistsAcrossOpens(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "baseline.db")

	first, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, first.Record(ctx, []*scanner.Finding{finding(lifetime.FindingFreeOfUnknownBlock, "b.c", 2, -1)}))
	require.NoError(t, first.Close())

	second := openStore(t, path)
	entries, err := second.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(-1), entries[0].Offset)

	// Recording again replaces the previous set
	require.NoError(t, second.Record(ctx, nil))
	entries, err = second.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFingerprintIgnoresPresentationFields(t *testing.T) {
	a := finding(lifetime.FindingUseAfterFree, "a.c", 4, 0)
	b := finding(lifetime.FindingUseAfterFree, "a.c", 4, 0)
	b.Message = "different wording"
	b.Code = "p[0] = 1;"
	assert.Equal(t, Fingerprint(a), Fingerprint(b))

	b.Offset = 2
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}
