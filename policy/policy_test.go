package policy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terellcodes/claim-assist/database"
	"github.com/terellcodes/claim-assist/index"
	"github.com/terellcodes/claim-assist/knowledge"
	"github.com/terellcodes/claim-assist/model"
)

type hashEmbedder struct{}

func (hashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, 16)
		for _, word := range strings.Fields(strings.ToLower(text)) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(word))
			vec[h.Sum32()%16]++
		}
		out[i] = vec
	}
	return out, nil
}

type recordingGraph struct {
	synced  []knowledge.Policy
	deleted []string
	err     error
}

func (g *recordingGraph) SyncPolicy(_ context.Context, p knowledge.Policy) error {
	g.synced = append(g.synced, p)
	return g.err
}

func (g *recordingGraph) PolicyInsights(_ context.Context, id string) (knowledge.Insight, error) {
	if g.err != nil {
		return knowledge.Insight{}, g.err
	}
	return knowledge.Insight{Pages: 2, Chunks: 2, RelatedPolicies: []string{}}, nil
}

func (g *recordingGraph) DeletePolicy(_ context.Context, id string) error {
	g.deleted = append(g.deleted, id)
	return g.err
}

// buildPDF writes a minimal single-font PDF with one text line per entry.
func buildPDF(pages ...[]string) []byte {
	var objects []string
	objects = append(objects, "<< /Type /Catalog /Pages 2 0 R >>")

	fontObj := 3 + 2*len(pages)
	var kids []string
	for i := range pages {
		kids = append(kids, fmt.Sprintf("%d 0 R", 3+2*i))
	}
	objects = append(objects, fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), len(pages)))

	for i, lines := range pages {
		var content strings.Builder
		content.WriteString("BT /F1 12 Tf 72 720 Td\n")
		for j, line := range lines {
			if j > 0 {
				content.WriteString("0 -14 Td\n")
			}
			fmt.Fprintf(&content, "(%s ) Tj\n", line)
		}
		content.WriteString("ET")
		stream := content.String()
		objects = append(objects,
			fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 %d 0 R >> >> /Contents %d 0 R >>", fontObj, 4+2*i),
			fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream),
		)
	}
	objects = append(objects, "<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>")

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

func samplePolicyPDF() []byte {
	return buildPDF(
		[]string{"SHELTER INSURANCE COMPANIES", "Policy Number: HO-123456", "Homeowners declarations"},
		[]string{"Coverage A Dwelling", "We cover sudden and accidental discharge of water from a plumbing system."},
	)
}

func newTestService(t *testing.T, graph Graph) (*Service, *index.Index, Registry) {
	t.Helper()
	idx := index.New(index.NewMemoryBackend(), hashEmbedder{})
	reg := NewMemoryRegistry()
	svc := NewService(idx, reg, graph, Options{})
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return svc, idx, reg
}

func TestExtractPages(t *testing.T) {
	pages, err := ExtractPages(samplePolicyPDF())
	require.NoError(t, err)
	require.Len(t, pages, 2)

	assert.Equal(t, 1, pages[0].Number)
	assert.Equal(t, "page 2", pages[1].Locator())
	assert.Contains(t, pages[0].Text, "SHELTER INSURANCE")
	assert.Contains(t, pages[1].Text, "plumbing system")
}

func TestExtractPagesRejectsGarbage(t *testing.T) {
	_, err := ExtractPages([]byte("not a pdf at all"))
	require.Error(t, err)
}

func TestExtractDetails(t *testing.T) {
	details := ExtractDetails([]Page{
		{Number: 1, Text: "SHELTER INSURANCE COMPANIES Policy Number: HO-123456 John Smith"},
		{Number: 2, Text: "GEICO mentioned later"},
	})
	assert.Equal(t, "Shelter", details.Insurer)
	assert.Equal(t, "HO-123456", details.PolicyNumber)
	assert.Equal(t, 2, details.TotalPages)
	assert.Equal(t, "Processed 2 pages from Shelter", details.Summary())

	details = ExtractDetails([]Page{{Number: 1, Text: "State Farm homeowners policy AB12345678"}})
	assert.Equal(t, "State Farm", details.Insurer)
	assert.Equal(t, "AB12345678", details.PolicyNumber)

	details = ExtractDetails(nil)
	assert.Equal(t, "Not specified", details.Insurer)
	assert.Equal(t, "Not specified", details.PolicyNumber)
}

func TestChunkerKeepsLocators(t *testing.T) {
	long := strings.Repeat("Water damage caused by a burst pipe is covered. ", 40)
	passages, err := NewChunker(200, 40).Split([]Page{
		{Number: 1, Text: "Declarations page."},
		{Number: 2, Text: "   "},
		{Number: 3, Text: long},
	})
	require.NoError(t, err)
	require.Greater(t, len(passages), 2)

	assert.Equal(t, index.Passage{Text: "Declarations page.", Locator: "page 1"}, passages[0])
	for _, p := range passages[1:] {
		assert.Equal(t, "page 3", p.Locator)
		assert.LessOrEqual(t, len(p.Text), 200)
	}
}

func TestNewChunkerClampsOverlap(t *testing.T) {
	c := NewChunker(100, 500)
	passages, err := c.Split([]Page{{Number: 1, Text: strings.Repeat("word ", 100)}})
	require.NoError(t, err)
	assert.NotEmpty(t, passages)
}

func TestNewPolicyID(t *testing.T) {
	pattern := regexp.MustCompile(`^policy_home_insur_[0-9a-f]{8}$`)
	assert.Regexp(t, pattern, NewPolicyID("home insurance policy.pdf"))
	assert.Regexp(t, `^policy_[0-9a-f]{8}$`, NewPolicyID(""))
	assert.NotEqual(t, NewPolicyID("a.pdf"), NewPolicyID("a.pdf"))
}

func TestUploadIndexesPolicy(t *testing.T) {
	graph := &recordingGraph{}
	svc, idx, reg := newTestService(t, graph)
	ctx := context.Background()

	meta, err := svc.Upload(ctx, "oklahoma home.pdf", samplePolicyPDF())
	require.NoError(t, err)

	assert.Regexp(t, `^policy_oklahoma_h_[0-9a-f]{8}$`, meta.PolicyID)
	assert.Equal(t, "Shelter", meta.Insurer)
	assert.Equal(t, "HO-123456", meta.PolicyNumber)
	assert.Equal(t, 2, meta.TotalPages)
	assert.Equal(t, 2, meta.Chunks)
	assert.Equal(t, "Processed 2 pages from Shelter", meta.Summary)

	matches, err := idx.Query(ctx, meta.PolicyID, "plumbing water discharge", 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "page 2", matches[0].Locator)

	stored, err := reg.Get(ctx, meta.PolicyID)
	require.NoError(t, err)
	assert.Equal(t, meta, stored)

	require.Len(t, graph.synced, 1)
	assert.Equal(t, "Shelter", graph.synced[0].Insurer)
	require.Len(t, graph.synced[0].Pages, 2)
	assert.Equal(t, 2, graph.synced[0].Pages[1].Number)
}

func TestUploadRejectsBadInput(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.Upload(ctx, "policy.docx", []byte("x"))
	require.ErrorIs(t, err, ErrNotPDF)

	_, err = svc.Upload(ctx, "policy.pdf", nil)
	require.ErrorIs(t, err, ErrEmptyUpload)

	_, err = svc.Upload(ctx, "policy.pdf", buildPDF([]string{}))
	require.ErrorIs(t, err, ErrNoPolicyText)
}

func TestIngestAndMetadata(t *testing.T) {
	graph := &recordingGraph{}
	svc, _, _ := newTestService(t, graph)
	ctx := context.Background()

	meta, err := svc.Ingest(ctx, "P1", []index.Passage{
		{Text: "Sudden and accidental water discharge is covered.", Locator: "page 2"},
		{Text: "Flood is excluded.", Locator: "page 7"},
		{Text: " ", Locator: "page 9"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, meta.Chunks)
	assert.Equal(t, 2, meta.TotalPages)

	got, err := svc.Metadata(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, meta, got.PolicyMetadata)
	require.NotNil(t, got.Graph)
	assert.Equal(t, 2, got.Graph.Pages)

	_, err = svc.Ingest(ctx, "P1", []index.Passage{{Text: "Mold is excluded.", Locator: "page 8"}})
	require.NoError(t, err)
	got, err = svc.Metadata(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Chunks)
	assert.Len(t, graph.synced, 1, "appends do not resync the graph")

	_, err = svc.Ingest(ctx, "P2", []index.Passage{{Text: "", Locator: "page 1"}})
	require.ErrorIs(t, err, ErrNoPolicyText)
}

func TestMetadataUnknownPolicy(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	_, err := svc.Metadata(context.Background(), "nope")

	var nf *index.NamespaceNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "nope", nf.Namespace)
}

func TestMetadataSurvivesGraphFailure(t *testing.T) {
	graph := &recordingGraph{}
	svc, _, _ := newTestService(t, graph)
	ctx := context.Background()

	_, err := svc.Ingest(ctx, "P1", []index.Passage{{Text: "Roof coverage.", Locator: "page 1"}})
	require.NoError(t, err)

	graph.err = errors.New("neo4j unavailable")
	got, err := svc.Metadata(ctx, "P1")
	require.NoError(t, err)
	assert.Nil(t, got.Graph)
}

func TestDeleteEndsNamespace(t *testing.T) {
	graph := &recordingGraph{}
	svc, idx, _ := newTestService(t, graph)
	ctx := context.Background()

	_, err := svc.Ingest(ctx, "P1", []index.Passage{{Text: "Roof coverage.", Locator: "page 1"}})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, "P1"))
	require.ErrorIs(t, idx.Require(ctx, "P1"), index.ErrNamespaceNotFound)
	_, err = svc.Metadata(ctx, "P1")
	require.ErrorIs(t, err, index.ErrNamespaceNotFound)
	assert.Equal(t, []string{"P1"}, graph.deleted)

	require.ErrorIs(t, svc.Delete(ctx, "P1"), index.ErrNamespaceNotFound)
}

func TestSQLiteRegistry(t *testing.T) {
	ctx := context.Background()
	db, err := database.OpenSQLite(ctx, t.TempDir()+"/registry.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	reg := NewSQLiteRegistry(db)
	older := model.PolicyMetadata{PolicyID: "a", Filename: "a.pdf", Insurer: "Geico", PolicyNumber: "G-1",
		Summary: "Processed 1 pages from Geico", TotalPages: 1, Chunks: 3,
		UploadedAt: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	newer := older
	newer.PolicyID = "b"
	newer.UploadedAt = older.UploadedAt.Add(time.Hour)

	require.NoError(t, reg.Save(ctx, older))
	require.NoError(t, reg.Save(ctx, newer))

	got, err := reg.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, older, got)

	list, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].PolicyID)

	require.NoError(t, reg.Delete(ctx, "a"))
	_, err = reg.Get(ctx, "a")
	require.ErrorIs(t, err, index.ErrNamespaceNotFound)
}

func TestMemoryRegistryList(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, reg.Save(ctx, model.PolicyMetadata{PolicyID: "old", UploadedAt: base}))
	require.NoError(t, reg.Save(ctx, model.PolicyMetadata{PolicyID: "new", UploadedAt: base.Add(time.Minute)}))

	list, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].PolicyID)
}
