package vectorindex

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/poiesic/kbingest/core"
	"gopkg.in/yaml.v3"
)

const (
	indexFile   = "index.bin"
	mappingFile = "mapping.bin"
	metaFile    = "meta.yaml"
	currentFile = "CURRENT"

	generationPrefix = "gen-"

	formatVersion = 1
)

// metadata is persisted as meta.yaml next to the binary artifacts.
type metadata struct {
	Tenant       core.TenantID `yaml:"tenant"`
	Dimension    int           `yaml:"dimension"`
	Kind         Kind          `yaml:"kind"`
	TotalVectors int           `yaml:"total_vectors"`
	Generation   int           `yaml:"generation"`
	CreatedAt    time.Time     `yaml:"created_at"`
	UpdatedAt    time.Time     `yaml:"updated_at"`
}

// encodeArena lays out the vector arena as version, kind, dimension and the
// flattened float32 data.
func encodeArena(ix *index) []byte {
	write := func(e core.Encoder) {
		e.Uint64(formatVersion)
		e.String(string(ix.kind))
		e.Int(ix.dim)
		e.Float32s(ix.data)
	}
	var sizer core.Sizer
	write(&sizer)
	bs := make([]byte, sizer.N)
	write(core.NewWriter(bs))
	return bs
}

func decodeArena(bs []byte) (kind Kind, dim int, data []float32, err error) {
	r := core.NewReader(bs)
	version := r.Uint64()
	kind = Kind(r.Str())
	dim = r.Int()
	data = r.Float32s()
	if err := r.Err(); err != nil {
		return "", 0, nil, err
	}
	if version != formatVersion {
		return "", 0, nil, fmt.Errorf("unsupported index format %d", version)
	}
	if dim <= 0 || len(data)%dim != 0 {
		return "", 0, nil, fmt.Errorf("arena of %d floats does not divide into dimension %d", len(data), dim)
	}
	return kind, dim, data, nil
}

// encodeMapping writes (vector_id, chunk_id) pairs.
func encodeMapping(chunkIDs []core.ID) []byte {
	write := func(e core.Encoder) {
		e.Uint64(formatVersion)
		e.Int(len(chunkIDs))
		for i, id := range chunkIDs {
			e.Int64(int64(i))
			e.Uint64(uint64(id))
		}
	}
	var sizer core.Sizer
	write(&sizer)
	bs := make([]byte, sizer.N)
	write(core.NewWriter(bs))
	return bs
}

func decodeMapping(bs []byte) ([]core.ID, error) {
	r := core.NewReader(bs)
	version := r.Uint64()
	count := r.Int()
	if err := r.Err(); err != nil {
		return nil, err
	}
	if version != formatVersion {
		return nil, fmt.Errorf("unsupported mapping format %d", version)
	}
	if count < 0 || count > len(bs) {
		return nil, fmt.Errorf("implausible mapping count %d", count)
	}
	ids := make([]core.ID, count)
	for i := range ids {
		vectorID := r.Int64()
		chunkID := r.Uint64()
		if r.Err() == nil && vectorID != int64(i) {
			return nil, fmt.Errorf("mapping entry %d has vector id %d", i, vectorID)
		}
		ids[i] = core.ID(chunkID)
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// writeFileAtomic writes data to a temporary file in the same directory,
// syncs it and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

// persist writes the three artifacts of ix into dir.
func persist(dir string, ix *index) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(dir, indexFile), encodeArena(ix)); err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(dir, mappingFile), encodeMapping(ix.chunkIDs)); err != nil {
		return err
	}
	meta, err := yaml.Marshal(ix.meta)
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, metaFile), meta)
}

// generations lists the generation directories under dir with their numbers.
func generations(dir string) (map[string]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	gens := make(map[string]int)
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), generationPrefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), generationPrefix))
		if err != nil {
			continue
		}
		gens[e.Name()] = n
	}
	return gens, nil
}

// commit writes ix into a new generation directory under dir and points
// CURRENT at it. Until the CURRENT rename lands, readers and a restarted
// process see the previous generation unchanged. It returns the name of the
// committed generation.
func commit(dir string, ix *index) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	gens, err := generations(dir)
	if err != nil {
		return "", err
	}
	next := 0
	for _, n := range gens {
		next = max(next, n)
	}
	name := fmt.Sprintf("%s%08d", generationPrefix, next+1)
	genDir := filepath.Join(dir, name)
	if err := os.Mkdir(genDir, 0o755); err != nil {
		return "", err
	}
	if err := persist(genDir, ix); err != nil {
		os.RemoveAll(genDir)
		return "", err
	}
	if err := writeFileAtomic(filepath.Join(dir, currentFile), []byte(name+"\n")); err != nil {
		os.RemoveAll(genDir)
		return "", err
	}
	return name, nil
}

// prune removes every generation directory except keep, including ones left
// half-written by an interrupted commit.
func prune(dir, keep string) error {
	gens, err := generations(dir)
	if err != nil {
		return err
	}
	var errs []error
	for name := range gens {
		if name == keep {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, name)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// errNoIndex reports that a tenant has no index on disk.
var errNoIndex = errors.New("no index")

// currentGeneration returns the generation directory CURRENT points at.
func currentGeneration(dir string) (string, error) {
	bs, err := os.ReadFile(filepath.Join(dir, currentFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", errNoIndex
	}
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(string(bs))
	if !strings.HasPrefix(name, generationPrefix) || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%s names %q, not a generation", currentFile, name)
	}
	return filepath.Join(dir, name), nil
}

// load reads the committed generation of the index stored under dir.
func load(dir string) (*index, error) {
	genDir, err := currentGeneration(dir)
	if err != nil {
		return nil, err
	}
	arena, err := os.ReadFile(filepath.Join(genDir, indexFile))
	if err != nil {
		return nil, err
	}
	kind, dim, data, err := decodeArena(arena)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", indexFile, err)
	}

	mappingBytes, err := os.ReadFile(filepath.Join(genDir, mappingFile))
	if err != nil {
		return nil, err
	}
	chunkIDs, err := decodeMapping(mappingBytes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", mappingFile, err)
	}
	if len(chunkIDs)*dim != len(data) {
		return nil, fmt.Errorf("mapping has %d entries but arena holds %d vectors", len(chunkIDs), len(data)/dim)
	}

	var meta metadata
	metaBytes, err := os.ReadFile(filepath.Join(genDir, metaFile))
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(metaBytes, &meta); err != nil {
		return nil, fmt.Errorf("%s: %w", metaFile, err)
	}

	ix := newIndex(kind, dim, meta)
	ix.data = data
	ix.chunkIDs = chunkIDs
	return ix, nil
}
