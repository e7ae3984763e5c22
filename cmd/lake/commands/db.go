package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/lake/db"
	"github.com/teranos/lake/errors"
	"github.com/teranos/lake/rawstore"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the lake database",
	Long: `Manage database operations.

Examples:
  lake db migrate                          # Apply pending migrations
  lake db stats                            # Raw record counts per collection`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase("")
		if err != nil {
			return err
		}
		defer database.Close()

		v, err := db.Version(database)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Database at schema version %s\n", v)
		return nil
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show raw record counts per collection",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbStats(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	stats, err := rawstore.NewStore(database).Stats(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("Raw Records\n")
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	if len(stats) == 0 {
		fmt.Println("(empty)")
	}
	for _, cs := range stats {
		fmt.Printf("%-28s %6d records  %6d pending\n", cs.Collection, cs.Total, cs.Pending)
	}
	return nil
}
