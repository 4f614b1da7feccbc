package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/agentbazaar/bidcore/auction"
	"github.com/agentbazaar/bidcore/chainapi"
	"github.com/agentbazaar/bidcore/chainapi/ergonode"
	"github.com/agentbazaar/bidcore/cmd/bidd/service"
	"github.com/agentbazaar/bidcore/cmd/common"
	"github.com/agentbazaar/bidcore/commitment"
	"github.com/agentbazaar/bidcore/escrow"
	"github.com/agentbazaar/bidcore/ledgerstore"
	"github.com/agentbazaar/bidcore/watcher"
	"github.com/dustin/go-humanize"
	golog "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	badger "github.com/textileio/go-ds-badger3"
)

var (
	cliName           = "bidd"
	defaultConfigPath = filepath.Join(os.Getenv("HOME"), "."+cliName)
	log               = golog.Logger(cliName)
	v                 = viper.New()
)

func init() {
	rootCmd.AddCommand(daemonCmd, sealCmd, escrowPlanCmd)

	flags := []common.Flag{
		{Name: "repo", DefValue: defaultConfigPath, Description: "Repo path holding the bid secret vault"},
		{Name: "postgres-uri", DefValue: "", Description: "Postgres database URI of the ledger index"},
		{Name: "node-url", DefValue: "http://127.0.0.1:9053", Description: "Ledger node REST API URL"},
		{Name: "node-api-key", DefValue: "", Description: "Ledger node wallet API key"},
		{Name: "node-timeout", DefValue: 30 * time.Second, Description: "Ledger node request timeout"},
		{Name: "height-ttl", DefValue: 10 * time.Second, Description: "How long a fetched ledger height is reused"},
		{Name: "bidder-address", DefValue: "", Description: "Ledger address to bid from; empty disables bidding"},
		{Name: "allow-multiple-bids", DefValue: false, Description: "Allow more than one active bid per task"},
		{Name: "early-selection", DefValue: false, Description: "Open selection once every bid is revealed"},
		{Name: "submit-attempts", DefValue: uint64(5), Description: "Max attempts to submit a transaction"},
		{Name: "poll-interval", DefValue: 30 * time.Second, Description: "Interval between ledger polls"},
		{Name: "poll-timeout", DefValue: 2 * time.Minute, Description: "Timeout of a single ledger poll"},
		{Name: "tasks", DefValue: "", Description: "Task ids to track from startup", Repeatable: true},
		{Name: "http-addr", DefValue: ":8888", Description: "HTTP API listen address; empty disables it"},
		{Name: "metrics-addr", DefValue: ":9090", Description: "Prometheus listen address"},
		{Name: "log-debug", DefValue: false, Description: "Enable debug level log"},
		{Name: "log-json", DefValue: false, Description: "Enable structured logging"},
	}

	cobra.OnInitialize(func() {
		v.SetConfigType("json")
		v.SetConfigName("config")
		v.AddConfigPath(os.Getenv("BIDD_PATH"))
		v.AddConfigPath(defaultConfigPath)
		_ = v.ReadInConfig()
	})

	common.ConfigureCLI(v, "BIDD", flags, daemonCmd.Flags())

	sealCmd.Flags().Uint64("amount", 0, "Bid amount")
	sealCmd.Flags().String("address", "", "Bidder ledger address")
	escrowPlanCmd.Flags().Uint64("total", 0, "Escrowed amount")
	escrowPlanCmd.Flags().StringSlice("percentages", nil, "Milestone percentages, in release order")
}

var rootCmd = &cobra.Command{
	Use:   cliName,
	Short: "bidd runs sealed-bid task auctions and milestone escrows",
	Long: `bidd runs sealed-bid task auctions and milestone escrows.

Bidders seal bids into ledger boxes, reveal them once bidding closes and
reclaim them when they don't win. Task owners select the lowest revealed bid
and pay it out milestone by milestone.
`,
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the auction daemon",
	Long:  "Run the auction daemon that reveals and refunds own bids on time and serves auction state over HTTP.",
	PersistentPreRun: func(c *cobra.Command, args []string) {
		common.ExpandEnvVars(v, v.AllSettings())
		err := common.ConfigureLogging(v, cliName)
		common.CheckErrf("setting log levels: %v", err)
	},
	Run: func(c *cobra.Command, args []string) {
		var fin common.Finalizer

		err := common.SetupInstrumentation(v.GetString("metrics-addr"))
		common.CheckErrf("booting instrumentation: %v", err)

		store, err := ledgerstore.New(v.GetString("postgres-uri"))
		common.CheckErrf("opening ledger store: %v", err)
		fin.Add(store)

		node, err := ergonode.New(ergonode.Config{
			URL:     v.GetString("node-url"),
			APIKey:  v.GetString("node-api-key"),
			Timeout: v.GetDuration("node-timeout"),
		})
		common.CheckErrf("creating node client: %v", err)
		oracle, err := chainapi.NewCachedOracle(node, v.GetDuration("height-ttl"))
		common.CheckErrf("creating height oracle: %v", err)

		deps := service.Deps{
			Tasks:      store,
			Ledger:     store,
			Oracle:     oracle,
			Signer:     node,
			Selections: store,
			Escrows:    store,
		}
		if v.GetString("bidder-address") != "" {
			repo := filepath.Join(v.GetString("repo"), "vault")
			err := os.MkdirAll(repo, os.ModePerm)
			common.CheckErrf("creating repo: %v", err)
			secrets, err := badger.NewDatastore(repo, &badger.DefaultOptions)
			common.CheckErrf("opening vault datastore: %v", err)
			fin.Add(secrets)
			deps.Secrets = secrets
		}

		retry := chainapi.DefaultRetryConfig
		retry.MaxAttempts = v.GetUint64("submit-attempts")
		var tasks []auction.TaskID
		for _, id := range common.ParseStringSlice(v, "tasks") {
			tasks = append(tasks, auction.TaskID(id))
		}
		serv, err := service.New(service.Config{
			BidderAddress:     v.GetString("bidder-address"),
			AllowMultipleBids: v.GetBool("allow-multiple-bids"),
			EarlySelection:    v.GetBool("early-selection"),
			Retry:             retry,
			Watcher: watcher.Config{
				Interval: v.GetDuration("poll-interval"),
				Timeout:  v.GetDuration("poll-timeout"),
			},
			ListenAddr: v.GetString("http-addr"),
			Tasks:      tasks,
		}, deps)
		common.CheckErrf("starting service: %v", err)
		fin.Add(serv)

		ctx, cancel := context.WithTimeout(context.Background(), v.GetDuration("poll-timeout"))
		serv.Poll(ctx)
		cancel()

		common.HandleInterrupt(func() {
			if err := fin.Cleanup(); err != nil {
				log.Errorf("closing service: %v", err)
			}
		})
	},
}

var sealCmd = &cobra.Command{
	Use:   "seal",
	Short: "Seal a bid offline",
	Long:  "Generate a salt and print the commitment digest of a bid without touching the ledger.",
	Args:  cobra.NoArgs,
	Run: func(c *cobra.Command, args []string) {
		amount, err := c.Flags().GetUint64("amount")
		common.CheckErr(err)
		address, err := c.Flags().GetString("address")
		common.CheckErr(err)

		common.CheckErr(commitment.ValidateBid(amount, address))
		salt, err := commitment.GenerateSalt()
		common.CheckErrf("generating salt: %v", err)
		digest := commitment.HashBid(amount, salt, address)

		fmt.Printf("amount: %s\n", humanize.Comma(int64(amount)))
		fmt.Printf("salt:   %s\n", salt.Hex())
		fmt.Printf("digest: %s\n", digest)
		fmt.Println("Keep the salt secret until the reveal window opens; without it the bid can't be revealed.")
	},
}

var escrowPlanCmd = &cobra.Command{
	Use:   "escrow-plan",
	Short: "Print the release schedule of an escrow",
	Args:  cobra.NoArgs,
	Run: func(c *cobra.Command, args []string) {
		total, err := c.Flags().GetUint64("total")
		common.CheckErr(err)
		pcts, err := c.Flags().GetStringSlice("percentages")
		common.CheckErr(err)

		milestones := make([]escrow.Milestone, 0, len(pcts))
		for i, p := range pcts {
			pct, err := strconv.ParseUint(p, 10, 64)
			common.CheckErrf("parsing percentage: %v", err)
			milestones = append(milestones, escrow.Milestone{Name: fmt.Sprintf("milestone %d", i+1), Percentage: pct})
		}
		e, err := escrow.Create(total, milestones)
		common.CheckErr(err)
		plan, err := e.Schedule()
		common.CheckErr(err)

		for _, p := range plan {
			fmt.Printf("%-14s %3d%%  %s\n", p.Name, p.Percentage, humanize.Comma(int64(p.Amount)))
		}
		fmt.Printf("%-14s %3d%%  %s\n", "total", 100, humanize.Comma(int64(e.TotalAmount)))
	},
}

func main() {
	common.CheckErr(rootCmd.Execute())
}
