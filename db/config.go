package db

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	resticRabin "github.com/restic/chunker"
	. "github.com/stevegt/goadapt"
)

const (
	configName   = "config.json"
	defCacheSize = 10
)

// Config holds the settings of a database.  Everything but Dir is
// persisted in config.json inside Dir.
type Config struct {
	Dir       string `json:"-"`
	CacheSize int             // max open file handles kept by the handle cache
	NoSync    bool            // open value files without O_SYNC
	Poly      resticRabin.Pol // rabin polynomial for PutStream chunking
	MinSize   uint            // minimum chunk size
	MaxSize   uint            // maximum chunk size
}

// LoadConfig reads config.json from dir.  A directory without one gets
// the defaults.
func LoadConfig(dir string) (cfg Config, err error) {
	defer Return(&err)
	cfg.Dir = dir
	buf, err := ioutil.ReadFile(filepath.Join(dir, configName))
	if os.IsNotExist(err) {
		return cfg, nil
	}
	Ck(err)
	err = json.Unmarshal(buf, &cfg)
	Ck(err)
	return
}

// Create makes the database directory if needed, writes config.json,
// and opens the database.
func (cfg Config) Create() (db *Db, err error) {
	defer Return(&err)

	err = os.MkdirAll(cfg.Dir, 0755)
	Ck(err)

	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defCacheSize
	}
	if cfg.Poly == 0 {
		cfg.Poly, err = resticRabin.RandomPolynomial()
		Ck(err)
	}

	buf, err := json.MarshalIndent(cfg, "", "  ")
	Ck(err)
	err = renameio.WriteFile(filepath.Join(cfg.Dir, configName), buf, 0644)
	Ck(err)

	return cfg.Open()
}
