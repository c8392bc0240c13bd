package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/weavernet/weaver/kvstore"
	"github.com/weavernet/weaver/models"
)

// Version identifies this build; DBVersion is the persistence schema it
// writes. Data directories with a db_version below MinDBVersion cannot be
// opened.
const (
	Version      = "0.9.0"
	DBVersion    = "0.6.0"
	MinDBVersion = "0.6.0"
)

// AppVersion is the value stored under the appversion key.
type AppVersion struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	DBVersion string `json:"db_version"`
}

// Init gates the data directory on its schema version and bootstraps
// genesis into an empty store. Returns a FatalError with the process exit
// code on unrecoverable failures.
func (e *Engine) Init(ctx context.Context, commit string) error {
	if err := e.checkVersion(ctx, commit); err != nil {
		return err
	}

	roverData, err := json.Marshal(e.cfg.KnownRovers)
	if err != nil {
		return err
	}
	if err := e.store.Put(ctx, keyRovers, roverData); err != nil {
		return fmt.Errorf("failed to store rovers: %w", err)
	}

	latest, err := e.getBlock(ctx, keyLatest)
	if errors.Is(err, kvstore.ErrNotFound) {
		latest, err = e.writeGenesis(ctx)
		if err != nil {
			return &FatalError{Code: ExitGenesisWrite, Err: err}
		}
	} else if err != nil {
		return &FatalError{Code: ExitGenesisWrite, Err: err}
	}

	// Seed the fork graph with the canonical tip.
	e.mv.Add(latest, true)

	e.logger.Info("engine initialized",
		"height", latest.Height, "hash", latest.Hash, "db_version", DBVersion)
	return nil
}

func (e *Engine) checkVersion(ctx context.Context, commit string) error {
	data, err := e.store.Get(ctx, keyAppVersion)
	if errors.Is(err, kvstore.ErrNotFound) {
		return e.writeVersion(ctx, commit)
	}
	if err != nil {
		return fmt.Errorf("failed to load appversion: %w", err)
	}

	var stored AppVersion
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("failed to decode appversion: %w", err)
	}

	if versionLess(stored.DBVersion, MinDBVersion) {
		return &FatalError{
			Code: ExitDBVersionOld,
			Err:  fmt.Errorf("db version %s below minimum %s", stored.DBVersion, MinDBVersion),
		}
	}
	return e.writeVersion(ctx, commit)
}

func (e *Engine) writeVersion(ctx context.Context, commit string) error {
	data, err := json.Marshal(AppVersion{Version: Version, Commit: commit, DBVersion: DBVersion})
	if err != nil {
		return err
	}
	if err := e.store.Put(ctx, keyAppVersion, data); err != nil {
		return fmt.Errorf("failed to store appversion: %w", err)
	}
	return nil
}

// writeGenesis installs the height-1 block as the canonical tip.
func (e *Engine) writeGenesis(ctx context.Context) (*models.ParentBlock, error) {
	g := e.gen
	if err := e.putBlock(ctx, keyHeight(1), g); err != nil {
		return nil, err
	}
	if err := e.putBlock(ctx, keyLatest, g); err != nil {
		return nil, err
	}
	e.logger.Info("genesis written", "hash", g.Hash)
	return g, nil
}

// versionLess compares dotted numeric versions.
func versionLess(a, b string) bool {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		ai, _ := strconv.Atoi(as[i])
		bi, _ := strconv.Atoi(bs[i])
		if ai != bi {
			return ai < bi
		}
	}
	return len(as) < len(bs)
}
