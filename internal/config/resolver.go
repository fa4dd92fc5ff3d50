package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/lestrrat-go/strftime"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/SirClappington/chunkq/internal/domain"
	"github.com/SirClappington/chunkq/internal/exception"
)

// Recognized keys.
const (
	KeyRootDir         = "root_dir"
	KeyFilepathTmpl    = "filepath_template"
	KeyTimestampFormat = "filepath_timestamp_format"
	KeyJobSize         = "job_size"
	KeyTransactionSize = "transaction_size"
	KeySplitMode       = "split_mode"
	KeySplitSize       = "split_size"
	KeySplit           = "split"
	KeyDisable         = "disable"
	KeyChainName       = "chain_name"
)

// DefaultSection is the file section consulted after the batch's own section.
const DefaultSection = "default"

// FilenameToken must appear in every filepath_template.
const FilenameToken = "%{FILENAME}"

const keyDelimiter = "::"

var reserved = map[string]bool{
	KeyRootDir: true, KeyFilepathTmpl: true, KeyTimestampFormat: true, KeyJobSize: true,
	KeyTransactionSize: true, KeySplitMode: true, KeySplitSize: true, KeySplit: true,
	KeyDisable: true, KeyChainName: true,
}

// DefaultItems is the built-in table, the last layer of the resolution chain.
// split_size defaults to the worker pool size.
func DefaultItems(logDir string, splitSize int) map[string]string {
	return map[string]string{
		KeyRootDir:         logDir,
		KeySplitSize:       strconv.Itoa(splitSize),
		KeyFilepathTmpl:    "%{BATCHNAME}/%{FILENAME}",
		KeyTimestampFormat: "%Y%m%d_%Hh%Mm%Ss",
		KeyJobSize:         "1000",
		KeyTransactionSize: "0",
		KeySplit:           "true",
	}
}

// NoSelectItems is the built-in table of batches that do not iterate records.
func NoSelectItems(logDir string, splitSize int) map[string]string {
	items := DefaultItems(logDir, splitSize)
	items[KeyJobSize] = "0"
	return items
}

// BatchDefinition is the resolved configuration of one batch.
type BatchDefinition struct {
	Name                    string
	RootDir                 string
	FilepathTemplate        string
	FilepathTimestampFormat string
	JobSize                 int
	TransactionSize         int
	SplitMode               domain.SplitMode
	SplitSize               int
	Split                   bool
	Disabled                bool
	ChainName               string
	Extra                   map[string]string
}

// Resolver resolves per-batch tunables from an override chain:
// per-call overrides, the batch's file section, the "default" section, then the
// built-in table declared for the batch.
type Resolver struct {
	v         *viper.Viper
	logDir    string
	splitSize int

	mu       sync.RWMutex
	builtins map[string]map[string]string
}

// NewResolver loads path (empty means no file) and validates its sections.
// logDir and splitSize seed the built-in table; splitSize is raised to 1.
func NewResolver(path, logDir string, splitSize int) (*Resolver, error) {
	if splitSize < 1 {
		splitSize = 1
	}
	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(errors.Cause(err)) {
				return nil, errors.Wrapf(err, "read batch config %s", path)
			}
		}
	}
	r := &Resolver{v: v, logDir: logDir, splitSize: splitSize, builtins: map[string]map[string]string{}}
	if err := r.validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Resolver) validate() error {
	for section, raw := range r.v.AllSettings() {
		values, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		tmpl, ok := values[KeyFilepathTmpl]
		if !ok {
			continue
		}
		if !strings.Contains(toString(tmpl), FilenameToken) {
			return &exception.ConfigValidationError{
				Section: section,
				Key:     KeyFilepathTmpl,
				Reason:  "missing " + FilenameToken + " placeholder",
			}
		}
	}
	return nil
}

// LogDir is the root_dir default of the built-in table.
func (r *Resolver) LogDir() string { return r.logDir }

// SplitSize is the split_size default of the built-in table.
func (r *Resolver) SplitSize() int { return r.splitSize }

// Declare sets the built-in table used for batch. Batches never declared use DefaultItems.
func (r *Resolver) Declare(batch string, items map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builtins[batch] = items
}

func (r *Resolver) builtin(batch string) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if items, ok := r.builtins[batch]; ok {
		return items
	}
	return DefaultItems(r.logDir, r.splitSize)
}

// Get resolves key for batch.
func (r *Resolver) Get(batch, key string, overrides map[string]string) (string, error) {
	if v, ok := overrides[key]; ok {
		return v, nil
	}
	for _, section := range []string{batch, DefaultSection} {
		path := strings.ToLower(section) + keyDelimiter + key
		if r.v.IsSet(path) {
			return r.v.GetString(path), nil
		}
	}
	if v, ok := r.builtin(batch)[key]; ok {
		return v, nil
	}
	return "", &exception.ConfigKeyError{Batch: batch, Key: key}
}

// Int resolves key as an integer.
func (r *Resolver) Int(batch, key string, overrides map[string]string) (int, error) {
	s, err := r.Get(batch, key, overrides)
	if err != nil {
		return 0, err
	}
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, &exception.ConfigValidationError{Section: batch, Key: key, Reason: "not an integer: " + s}
	}
	return n, nil
}

// Bool resolves key as a boolean. A missing key yields def.
func (r *Resolver) Bool(batch, key string, overrides map[string]string, def bool) (bool, error) {
	s, err := r.Get(batch, key, overrides)
	var cke *exception.ConfigKeyError
	if errors.As(err, &cke) {
		return def, nil
	}
	if err != nil {
		return false, err
	}
	if s == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return false, &exception.ConfigValidationError{Section: batch, Key: key, Reason: "not a boolean: " + s}
	}
	return b, nil
}

// Values merges the default and batch sections, batch winning. This is the
// configuration a batch sees when asked for its own settings.
func (r *Resolver) Values(batch string) map[string]string {
	out := map[string]string{}
	for _, section := range []string{DefaultSection, batch} {
		sub, ok := r.v.Get(strings.ToLower(section)).(map[string]interface{})
		if !ok {
			continue
		}
		for k, v := range sub {
			out[k] = toString(v)
		}
	}
	return out
}

// Definition resolves every recognized key for batch.
func (r *Resolver) Definition(batch string, overrides map[string]string) (BatchDefinition, error) {
	d := BatchDefinition{Name: batch, Extra: map[string]string{}}
	var err error
	get := func(key string) string {
		if err != nil {
			return ""
		}
		var s string
		s, err = r.Get(batch, key, overrides)
		return s
	}
	optional := func(key string) string {
		s, e := r.Get(batch, key, overrides)
		if e != nil {
			return ""
		}
		return s
	}

	d.RootDir = get(KeyRootDir)
	d.FilepathTemplate = get(KeyFilepathTmpl)
	d.FilepathTimestampFormat = get(KeyTimestampFormat)
	if err != nil {
		return d, err
	}
	if d.JobSize, err = r.Int(batch, KeyJobSize, overrides); err != nil {
		return d, err
	}
	if d.TransactionSize, err = r.Int(batch, KeyTransactionSize, overrides); err != nil {
		return d, err
	}
	if d.JobSize < 0 || d.TransactionSize < 0 {
		return d, &exception.ConfigValidationError{Section: batch, Key: KeyJobSize, Reason: "sizes must be >= 0"}
	}
	d.SplitMode = domain.SplitMode(optional(KeySplitMode))
	if !d.SplitMode.Valid() {
		return d, &exception.ConfigValidationError{Section: batch, Key: KeySplitMode, Reason: "unknown split mode " + string(d.SplitMode)}
	}
	if optional(KeySplitSize) != "" {
		if d.SplitSize, err = r.Int(batch, KeySplitSize, overrides); err != nil {
			return d, err
		}
	}
	if d.Split, err = r.Bool(batch, KeySplit, overrides, true); err != nil {
		return d, err
	}
	if d.Disabled, err = r.Bool(batch, KeyDisable, overrides, false); err != nil {
		return d, err
	}
	d.ChainName = optional(KeyChainName)

	for k, v := range r.Values(batch) {
		if !reserved[k] {
			d.Extra[k] = v
		}
	}
	for k, v := range overrides {
		if !reserved[k] {
			d.Extra[k] = v
		}
	}
	return d, nil
}

// GenerateFilepath expands the batch's filepath_template for filename and creates
// the parent directory when makeDirs is set.
func (r *Resolver) GenerateFilepath(batch, filename string, now time.Time, makeDirs bool) (string, error) {
	tmpl, err := r.Get(batch, KeyFilepathTmpl, nil)
	if err != nil {
		return "", err
	}
	tmpl = strings.ReplaceAll(tmpl, FilenameToken, filename)
	tmpl = strings.ReplaceAll(tmpl, "%{BATCHNAME}", Slugify(batch))
	if strings.Contains(tmpl, "%{TIMESTAMP}") {
		layout, err := r.Get(batch, KeyTimestampFormat, nil)
		if err != nil {
			return "", err
		}
		ts, err := strftime.Format(layout, now)
		if err != nil {
			return "", errors.Wrapf(err, "format timestamp %q", layout)
		}
		tmpl = strings.ReplaceAll(tmpl, "%{TIMESTAMP}", ts)
	}
	root, err := r.Get(batch, KeyRootDir, nil)
	if err != nil {
		return "", err
	}
	path := filepath.Join(root, tmpl)
	if makeDirs {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", errors.Wrap(err, "create output directory")
		}
	}
	return path, nil
}

// Slugify lowercases s and replaces every run of non alphanumeric runes with '_'.
func Slugify(s string) string {
	var b strings.Builder
	sep := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if sep && b.Len() > 0 {
				b.WriteByte('_')
			}
			sep = false
			b.WriteRune(r)
			continue
		}
		sep = true
	}
	return b.String()
}

func toString(v interface{}) string {
	return cast.ToString(v)
}
