// cmd/mediaharvester/proxies.go
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/valpere/MediaHarvester/internal/service"
	"github.com/valpere/MediaHarvester/pkg/api"
)

func newProxiesCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxies",
		Short: "Inspect the proxy pool",
	}

	var serverURL, apiKey string
	list := &cobra.Command{
		Use:   "list",
		Short: "List pooled proxies with their scores",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				pl  *api.ProxyList
				err error
			)
			if serverURL != "" {
				pl, err = api.NewClient(serverURL, api.WithAPIKey(apiKey)).ListProxies(cmd.Context())
			} else {
				pl, err = localProxyList(cmd.Context(), flags, false)
			}
			if err != nil {
				return err
			}
			return printProxies(cmd.OutOrStdout(), pl)
		},
	}
	list.Flags().StringVar(&serverURL, "server", "", "Query a running server")
	list.Flags().StringVar(&apiKey, "api-key", os.Getenv("MEDIAHARVESTER_API_KEY"), "Bearer token for --server")

	check := &cobra.Command{
		Use:   "check",
		Short: "Probe every configured proxy once and print the results",
		RunE: func(cmd *cobra.Command, args []string) error {
			pl, err := localProxyList(cmd.Context(), flags, true)
			if err != nil {
				return err
			}
			return printProxies(cmd.OutOrStdout(), pl)
		},
	}

	cmd.AddCommand(list, check)
	return cmd
}

func localProxyList(ctx context.Context, flags *globalFlags, probe bool) (*api.ProxyList, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	svc, err := service.New(ctx, cfg, service.WithVersion(version), service.WithLoadSampler(nil))
	if err != nil {
		return nil, err
	}
	if err := svc.Start(ctx); err != nil {
		return nil, err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = svc.Stop(stopCtx)
	}()

	if probe {
		for _, r := range svc.CheckProxies(ctx) {
			if r.Err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", r.ID, r.Err)
			}
		}
	}

	st := svc.ProxyStats()
	pl := &api.ProxyList{Stats: api.ProxyStats{
		Total:       st.Total,
		Available:   st.Available,
		Blacklisted: st.Blacklisted,
		CoolingDown: st.CoolingDown,
	}}
	for _, ep := range svc.Proxies() {
		info := api.ProxyInfo{
			ID:               ep.ID,
			Host:             ep.Host,
			Port:             ep.Port,
			Protocol:         string(ep.Protocol),
			Country:          ep.Country,
			Score:            svc.ProxyScore(ep),
			SpeedScore:       ep.SpeedScore,
			ReliabilityScore: ep.ReliabilityScore,
			FailCount:        ep.FailCount,
			Blacklisted:      ep.Blacklisted,
			LastLatencyMs:    ep.LastLatency.Milliseconds(),
		}
		if !ep.CooldownUntil.IsZero() {
			t := ep.CooldownUntil
			info.CooldownUntil = &t
		}
		pl.Proxies = append(pl.Proxies, info)
	}
	return pl, nil
}

func printProxies(w io.Writer, pl *api.ProxyList) error {
	sort.SliceStable(pl.Proxies, func(i, j int) bool { return pl.Proxies[i].Score > pl.Proxies[j].Score })

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tADDRESS\tPROTO\tSCORE\tSPEED\tRELIABILITY\tFAILS\tLATENCY\tSTATE")
	for _, p := range pl.Proxies {
		state := "available"
		switch {
		case p.Blacklisted:
			state = "blacklisted"
		case p.CooldownUntil != nil && p.CooldownUntil.After(time.Now()):
			state = "cooling down"
		}
		fmt.Fprintf(tw, "%s\t%s:%d\t%s\t%.2f\t%.2f\t%.2f\t%d\t%dms\t%s\n",
			p.ID, p.Host, p.Port, p.Protocol, p.Score, p.SpeedScore, p.ReliabilityScore,
			p.FailCount, p.LastLatencyMs, state)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%d total, %d available, %d blacklisted, %d cooling down\n",
		pl.Stats.Total, pl.Stats.Available, pl.Stats.Blacklisted, pl.Stats.CoolingDown)
	return err
}
