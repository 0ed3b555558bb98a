package retriever

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/atlas-hass/atlas/pkg/document"
)

// Okapi BM25 parameters. Terms appearing in more than half the corpus get a
// negative raw IDF; those are floored to bm25Epsilon times the average IDF
// so common terms still contribute a small positive weight.
const (
	bm25K1      = 1.5
	bm25B       = 0.75
	bm25Epsilon = 0.25
)

var tokenPattern = regexp.MustCompile(`\w+`)

func tokenize(text string) []string {
	return tokenPattern.FindAllString(strings.ToLower(text), -1)
}

// sidecarRecord is one JSONL line of the lexical sidecar. The id is
// "<parent_id>#<chunk_index>", matching the vector store document ids.
type sidecarRecord struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata"`
}

// bm25Corpus is one immutable load of the sidecar. Reloads build a fresh
// corpus and swap it in whole.
type bm25Corpus struct {
	docs   []sidecarRecord
	byID   map[string]int
	freqs  []map[string]int
	docLen []int
	avgLen float64
	idf    map[string]float64
}

// BM25Index scores queries against the JSONL sidecar and materializes
// documents for fused hybrid results. A directory watcher reloads the index
// when the file is rewritten, so corpus deploys take effect without a
// restart.
type BM25Index struct {
	path string

	mu     sync.RWMutex
	corpus *bm25Corpus

	cancel context.CancelFunc
	done   chan struct{}
}

// OpenBM25 loads the sidecar at path and starts watching it for changes.
func OpenBM25(path string) (*BM25Index, error) {
	corpus, err := loadBM25(path)
	if err != nil {
		return nil, err
	}

	x := &BM25Index{path: path, corpus: corpus}
	if err := x.watch(); err != nil {
		return nil, err
	}
	slog.Info("BM25 sidecar loaded", "path", path, "documents", len(corpus.docs))
	return x, nil
}

func loadBM25(path string) (*bm25Corpus, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open BM25 sidecar: %w", err)
	}
	defer f.Close()

	c := &bm25Corpus{
		byID: make(map[string]int),
		idf:  make(map[string]float64),
	}
	df := make(map[string]int)
	totalLen := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec sidecarRecord
		// Malformed lines are skipped, not fatal; a partially written
		// sidecar still yields a usable index.
		if err := json.Unmarshal(line, &rec); err != nil || rec.ID == "" {
			continue
		}

		tokens := tokenize(rec.Text)
		freq := make(map[string]int, len(tokens))
		for _, tok := range tokens {
			freq[tok]++
		}
		for tok := range freq {
			df[tok]++
		}

		c.byID[rec.ID] = len(c.docs)
		c.docs = append(c.docs, rec)
		c.freqs = append(c.freqs, freq)
		c.docLen = append(c.docLen, len(tokens))
		totalLen += len(tokens)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read BM25 sidecar: %w", err)
	}
	if len(c.docs) == 0 {
		return nil, fmt.Errorf("BM25 sidecar %s has no usable records", path)
	}

	c.avgLen = float64(totalLen) / float64(len(c.docs))
	if c.avgLen == 0 {
		c.avgLen = 1
	}
	c.computeIDF(df)
	return c, nil
}

func (c *bm25Corpus) computeIDF(df map[string]int) {
	n := float64(len(c.docs))
	var sum float64
	var negative []string
	for tok, freq := range df {
		idf := math.Log((n - float64(freq) + 0.5) / (float64(freq) + 0.5))
		c.idf[tok] = idf
		sum += idf
		if idf < 0 {
			negative = append(negative, tok)
		}
	}
	if len(c.idf) == 0 {
		return
	}
	eps := bm25Epsilon * (sum / float64(len(c.idf)))
	for _, tok := range negative {
		c.idf[tok] = eps
	}
}

// TopIDs returns the ids of the n highest scoring documents for query.
// Only documents containing at least one query term are ranked; ties keep
// sidecar record order.
func (x *BM25Index) TopIDs(query string, n int) []string {
	x.mu.RLock()
	c := x.corpus
	x.mu.RUnlock()
	if c == nil || n <= 0 {
		return nil
	}

	tokens := tokenize(query)
	scores := make([]float64, len(c.docs))
	matched := make([]bool, len(c.docs))
	for _, tok := range tokens {
		idf, ok := c.idf[tok]
		if !ok {
			continue
		}
		for i, freq := range c.freqs {
			tf := float64(freq[tok])
			if tf == 0 {
				continue
			}
			norm := tf + bm25K1*(1-bm25B+bm25B*float64(c.docLen[i])/c.avgLen)
			scores[i] += idf * tf * (bm25K1 + 1) / norm
			matched[i] = true
		}
	}

	ranked := make([]int, 0, len(c.docs))
	for i := range c.docs {
		if matched[i] {
			ranked = append(ranked, i)
		}
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		return scores[ranked[a]] > scores[ranked[b]]
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}

	ids := make([]string, len(ranked))
	for i, idx := range ranked {
		ids[i] = c.docs[idx].ID
	}
	return ids
}

// Document materializes the sidecar record with the given id.
func (x *BM25Index) Document(id string) (document.Document, bool) {
	x.mu.RLock()
	c := x.corpus
	x.mu.RUnlock()
	if c == nil {
		return document.Document{}, false
	}
	idx, ok := c.byID[id]
	if !ok {
		return document.Document{}, false
	}
	rec := c.docs[idx]
	return document.Document{ID: rec.ID, Text: rec.Text, Metadata: rec.Metadata}, true
}

// Len returns the number of indexed documents.
func (x *BM25Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.corpus == nil {
		return 0
	}
	return len(x.corpus.docs)
}

// Path returns the sidecar file path.
func (x *BM25Index) Path() string {
	return x.path
}

func (x *BM25Index) reload() {
	corpus, err := loadBM25(x.path)
	if err != nil {
		slog.Warn("BM25 sidecar reload failed, keeping previous index", "path", x.path, "error", err)
		return
	}
	x.mu.Lock()
	x.corpus = corpus
	x.mu.Unlock()
	slog.Info("BM25 sidecar reloaded", "path", x.path, "documents", len(corpus.docs))
}

// watch monitors the sidecar's directory. Watching the directory instead of
// the file survives the rename-and-replace writes corpus deploys use.
func (x *BM25Index) watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create sidecar watcher: %w", err)
	}
	dir := filepath.Dir(x.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	x.cancel = cancel
	x.done = make(chan struct{})
	go x.watchLoop(ctx, watcher, filepath.Base(x.path))
	return nil
}

func (x *BM25Index) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, base string) {
	defer close(x.done)
	defer watcher.Close()

	// Debounce timer to coalesce rapid changes
	var debounceTimer *time.Timer
	const debounceDelay = 100 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}

			if event.Op&fsnotify.Write == fsnotify.Write ||
				event.Op&fsnotify.Create == fsnotify.Create {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDelay, x.reload)
			} else if event.Op&fsnotify.Remove == fsnotify.Remove {
				slog.Warn("BM25 sidecar removed, serving last loaded index", "path", x.path)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Error("Sidecar watcher error", "error", err)
		}
	}
}

// Close stops the watcher. The loaded corpus stays queryable.
func (x *BM25Index) Close() error {
	if x.cancel != nil {
		x.cancel()
		<-x.done
		x.cancel = nil
	}
	return nil
}
