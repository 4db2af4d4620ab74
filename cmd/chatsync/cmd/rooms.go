package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/nfrund/chatsync/internal/catalog"
	"github.com/nfrund/chatsync/internal/config"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var roomsCountry string

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List the room catalog",
	Long: `List every country and its rooms. General rooms are open to every
signed-in user; the other topics need a premium plan to post.

Examples:
  chatsync rooms
  chatsync rooms --country uk`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := loadCatalog(cfg)
		if err != nil {
			return err
		}

		rooms := cat.Rooms()
		if roomsCountry != "" {
			rooms = cat.RoomsIn(roomsCountry)
			if len(rooms) == 0 {
				return fmt.Errorf("%w: no rooms for country %q", catalog.ErrUnknownRoom, roomsCountry)
			}
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ROOM\tCOUNTRY\tTOPIC\tACCESS")
		for _, r := range rooms {
			access := "everyone"
			if r.Tier() == domain.TierRestricted {
				access = "premium"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, r.Country.Name, r.Title, access)
		}
		return w.Flush()
	},
}

func init() {
	roomsCmd.Flags().StringVar(&roomsCountry, "country", "", "only list rooms for this country")
	rootCmd.AddCommand(roomsCmd)
}

// loadCatalog reads CATALOG_PATH when set, otherwise the built-in catalog.
func loadCatalog(c config.Provider) (*catalog.Catalog, error) {
	if path := c.GetCatalogPath(); path != "" {
		return catalog.Load(afero.NewOsFs(), path)
	}
	return catalog.Default()
}
