package main

import (
	"fmt"
	"path/filepath"

	"github.com/HAPNlab/mid-task/internal/ident"
	"github.com/HAPNlab/mid-task/internal/recorder"
	"github.com/spf13/cobra"
)

// #region command

var (
	expDB        string
	expSession   string
	expOut       string
	expAnonymize bool
	expKey       string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a session to CSV and manifest",
	Long: `Write behavioral.csv, scan_log.csv and manifest.json for one session,
defaulting to the most recent session in the database.

--anonymize replaces the subject ID with a keyed pseudonym in every
exported file. The key is created next to the database on first use and
must stay out of shared exports: the same key always maps a subject to
the same code.`,
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVar(&expDB, "db", "", "session database (required)")
	exportCmd.Flags().StringVar(&expSession, "session", "", "session ID (default: most recent)")
	exportCmd.Flags().StringVar(&expOut, "out", ".", "output directory")
	exportCmd.Flags().BoolVar(&expAnonymize, "anonymize", false, "replace subject ID with a keyed pseudonym")
	exportCmd.Flags().StringVar(&expKey, "key", "", "pseudonym key file (default: lab.key next to --db)")
	rootCmd.AddCommand(exportCmd)
}

// #endregion command

// #region export

func runExport(cmd *cobra.Command, args []string) error {
	if expDB == "" {
		return fmt.Errorf("--db is required")
	}
	store, err := recorder.NewStore(expDB)
	if err != nil {
		return err
	}
	defer store.Close()

	sess, err := resolveSession(store, expSession)
	if err != nil {
		return err
	}

	anonymize := ""
	if expAnonymize {
		keyPath := expKey
		if keyPath == "" {
			keyPath = filepath.Join(filepath.Dir(expDB), "lab.key")
		}
		cb, err := ident.NewCodebook(keyPath)
		if err != nil {
			return err
		}
		anonymize = cb.Pseudonym(sess.SubjectID)
	}

	if err := store.Export(sess.ID, expOut, anonymize); err != nil {
		return err
	}

	subject := sess.SubjectID
	if anonymize != "" {
		subject = anonymize
	}
	fmt.Printf("Exported session %s (subject %s) to %s\n", shortID(sess.ID), subject, expOut)
	return nil
}

// resolveSession loads the named session, or the most recent one when id
// is empty.
func resolveSession(store *recorder.Store, id string) (recorder.Session, error) {
	if id == "" {
		return store.LatestSession()
	}
	return store.GetSession(id)
}

// #endregion export
