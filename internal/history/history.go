package history

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// timestampLayout is the filename prefix the output writer stamps on every
// generated image.
const timestampLayout = "2006-01-02_15-04-05"

// MetadataDBName is the sidecar SQLite store living beside the outputs.
const MetadataDBName = "metadata.db"

var (
	dateDirPattern  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	imageExtensions = []string{".png", ".jpg", ".jpeg", ".webp", ".gif", ".bmp"}
)

// Entry is one generated output joined with its sidecar metadata row.
// Metadata is null when the store has no row for the file or cannot be
// read.
type Entry struct {
	Filename            string          `json:"filename"`
	RelativePath        string          `json:"relativePath"`
	CreatedEpochSeconds int64           `json:"createdEpochSeconds"`
	Metadata            json.RawMessage `json:"metadata"`
}

// Page is the paginated listing served on /history.
type Page struct {
	Items      []Entry `json:"items"`
	Total      int     `json:"total"`
	Limit      int     `json:"limit"`
	Offset     int     `json:"offset"`
	Page       int     `json:"page"`
	TotalPages int     `json:"total_pages"`
}

// Reader lists past outputs from the outputs directory.
type Reader struct {
	outputs string
	log     *zap.SugaredLogger
}

func NewReader(outputs string, log *zap.SugaredLogger) *Reader {
	return &Reader{outputs: outputs, log: log}
}

// List scans the outputs directory and returns one page, newest first.
// Limit is clamped to at least 1, offset to at least 0. Sidecar read
// failures degrade to null metadata, never to an error.
func (r *Reader) List(limit, offset int) (*Page, error) {
	if limit < 1 {
		limit = 1
	}
	if offset < 0 {
		offset = 0
	}

	entries, err := r.scan()
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedEpochSeconds != entries[j].CreatedEpochSeconds {
			return entries[i].CreatedEpochSeconds > entries[j].CreatedEpochSeconds
		}
		return entries[i].Filename > entries[j].Filename
	})

	total := len(entries)
	window := entries[min(offset, total):min(offset+limit, total)]
	r.joinMetadata(window)

	return &Page{
		Items:      window,
		Total:      total,
		Limit:      limit,
		Offset:     offset,
		Page:       offset/limit + 1,
		TotalPages: (total + limit - 1) / limit,
	}, nil
}

// scan walks the outputs root plus its one-level date subdirectories.
func (r *Reader) scan() ([]Entry, error) {
	root, err := os.ReadDir(r.outputs)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for _, e := range root {
		if e.IsDir() {
			if !dateDirPattern.MatchString(e.Name()) {
				continue
			}
			sub, err := os.ReadDir(filepath.Join(r.outputs, e.Name()))
			if err != nil {
				r.log.Warnw("output subdirectory unreadable, skipped", "dir", e.Name(), "err", err)
				continue
			}
			for _, f := range sub {
				if !f.IsDir() {
					entries = r.appendFile(entries, f, e.Name())
				}
			}
			continue
		}
		entries = r.appendFile(entries, e, "")
	}
	return entries, nil
}

func (r *Reader) appendFile(entries []Entry, f os.DirEntry, subdir string) []Entry {
	if !lo.Contains(imageExtensions, strings.ToLower(filepath.Ext(f.Name()))) {
		return entries
	}
	rel := f.Name()
	if subdir != "" {
		rel = subdir + "/" + f.Name()
	}
	return append(entries, Entry{
		Filename:            f.Name(),
		RelativePath:        rel,
		CreatedEpochSeconds: r.createdAt(f),
	})
}

// createdAt prefers the timestamp encoded in the filename over mtime; the
// filename survives copies, the mtime does not.
func (r *Reader) createdAt(f os.DirEntry) int64 {
	name := f.Name()
	if len(name) >= len(timestampLayout) {
		if ts, err := time.ParseInLocation(timestampLayout, name[:len(timestampLayout)], time.Local); err == nil {
			return ts.Unix()
		}
	}
	info, err := f.Info()
	if err != nil {
		return 0
	}
	return info.ModTime().Unix()
}

// imageRow maps the sidecar's images table.
type imageRow struct {
	Filename string `gorm:"column:filename"`
	Metadata string `gorm:"column:metadata"`
}

func (imageRow) TableName() string { return "images" }

// joinMetadata fills Metadata for the given page from the sidecar store.
func (r *Reader) joinMetadata(entries []Entry) {
	if len(entries) == 0 {
		return
	}
	dbPath := filepath.Join(r.outputs, MetadataDBName)
	if _, err := os.Stat(dbPath); err != nil {
		return
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		r.log.Warnw("metadata store unreadable", "path", dbPath, "err", err)
		return
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}()

	names := lo.Map(entries, func(e Entry, _ int) string { return e.Filename })
	var rows []imageRow
	if err := db.Where("filename IN ?", names).Find(&rows).Error; err != nil {
		r.log.Warnw("metadata query failed", "err", err)
		return
	}

	byName := lo.SliceToMap(rows, func(row imageRow) (string, imageRow) { return row.Filename, row })
	for i := range entries {
		row, ok := byName[entries[i].Filename]
		if !ok || row.Metadata == "" {
			continue
		}
		if !json.Valid([]byte(row.Metadata)) {
			r.log.Debugw("metadata row not valid json, skipped", "filename", row.Filename)
			continue
		}
		entries[i].Metadata = json.RawMessage(row.Metadata)
	}
}
