// Command tempstorectl is a small operational CLI around
// storage.TempStorageManager: put a file through the manager's admission
// policy, inspect RAM-pool pressure, and report the free bytes of a
// candidate temp directory (statfs).
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"synnergy-network/pkg/config"
	"synnergy-network/pkg/utils"
	"synnergy-network/storage"
)

// loadTempStoreConfig loads the shared pkg/config file (if one is present
// under cmd/config or config) and falls back to env-var/hardcoded defaults
// for any field left unset, since a bare `tempstorectl` invocation has no
// config file of its own. MasterSecret is never read from the config file;
// it comes from TEMPSTORECTL_MASTER_SECRET only, per pkg/config's own
// comment on why that field is kept out of the struct entirely.
func loadTempStoreConfig() config.Config {
	cfg, err := config.Load(os.Getenv("TEMPSTORECTL_ENV"))
	if err != nil {
		logrus.WithError(err).Debug("no pkg/config file found, falling back to defaults")
		return config.Config{}
	}
	return *cfg
}

func newManager() (*storage.TempStorageManager, error) {
	ts := loadTempStoreConfig().TempStore

	tmpDir := ts.TmpDir
	if tmpDir == "" {
		tmpDir = utils.EnvOrDefault("TEMPSTORECTL_DIR", os.TempDir())
	}
	maxRAMSingle := ts.MaxInitSingleRAMSize
	if maxRAMSingle == 0 {
		maxRAMSingle = int64(utils.EnvOrDefaultInt("TEMPSTORECTL_MAX_RAM_SINGLE", 4096))
	}
	ramPool := ts.RAMPoolSize
	if ramPool == 0 {
		ramPool = int64(utils.EnvOrDefaultInt("TEMPSTORECTL_RAM_POOL", 1<<20))
	}
	minDisk := ts.MinDiskSpace
	if minDisk == 0 {
		minDisk = int64(utils.EnvOrDefaultInt("TEMPSTORECTL_MIN_DISK", 1<<20))
	}

	cfg := storage.ManagerConfig{
		MaxInitSingleRAMSize: maxRAMSingle,
		RAMPoolSize:          ramPool,
		MinDiskSpace:         minDisk,
		TmpDir:               tmpDir,
		Log:                  logrus.StandardLogger(),
	}
	if ts.PoolMaxOpenFiles > 0 {
		cfg.Pool = storage.NewPool(ts.PoolMaxOpenFiles, logrus.StandardLogger())
	}
	if secret := os.Getenv("TEMPSTORECTL_MASTER_SECRET"); secret != "" {
		cfg.Encrypt = true
		cfg.MasterSecret = []byte(secret)
	} else if ts.Encrypt {
		return nil, fmt.Errorf("tempstore.encrypt is set but TEMPSTORECTL_MASTER_SECRET is empty")
	}
	return storage.NewTempStorageManager(cfg)
}

func putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put [file]",
		Short: "admit a file into temp storage and print its allocated size",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			m, err := newManager()
			if err != nil {
				return err
			}
			defer m.Close()

			b, err := m.MakeBucket(int64(len(data)))
			if err != nil {
				return err
			}
			w, err := b.GetOutputStream()
			if err != nil {
				return err
			}
			if _, err := w.Write(data); err != nil {
				w.Close()
				return err
			}
			if err := w.Close(); err != nil {
				return err
			}
			fmt.Printf("admitted %d bytes (ram in use: %d)\n", b.Size(), m.RAMBytesInUse())
			return b.Dispose()
		},
	}
}

func statfsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "statfs [dir]",
		Short: "report available bytes under dir",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			checker := storage.NewDiskSpaceChecker(args[0], 0)
			free, err := checker.FreeBytes()
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d bytes free\n", args[0], free)
			return nil
		},
	}
}

func pressureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pressure",
		Short: "report the manager's current RAM-pool usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newManager()
			if err != nil {
				return err
			}
			defer m.Close()
			fmt.Printf("ram in use: %d bytes\n", m.RAMBytesInUse())
			return nil
		},
	}
}

func main() {
	root := &cobra.Command{
		Use:   "tempstorectl",
		Short: "operate the temp-storage engine from the command line",
	}
	root.AddCommand(putCmd())
	root.AddCommand(statfsCmd())
	root.AddCommand(pressureCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
