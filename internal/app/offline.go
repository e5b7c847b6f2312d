package app

import (
	"context"

	"feedrelay/internal/config"
	"feedrelay/internal/feed"
	"feedrelay/internal/monitor"
	"feedrelay/internal/storage"
	logx "feedrelay/pkg/logx"
)

// openStore loads cfgPath and opens its storage without starting anything.
func openStore(cfgPath string, log logx.Logger) (*settings, storage.Store, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, nil, err
	}
	set, err := resolve(cfg)
	if err != nil {
		return nil, nil, err
	}
	st, err := storage.Open(set.Storage, log)
	if err != nil {
		return nil, nil, err
	}
	return set, st, nil
}

// Check evaluates stream freshness against the configured store without
// writing health or sending notifications.
func Check(ctx context.Context, cfgPath string, log logx.Logger) (monitor.Report, error) {
	set, st, err := openStore(cfgPath, log)
	if err != nil {
		return monitor.Report{}, err
	}
	defer st.Close()
	return monitor.New(set.Monitor, st, nil, log).Evaluate(ctx)
}

// PendingJobs lists relay jobs still in the local journal.
func PendingJobs(ctx context.Context, cfgPath string, log logx.Logger) ([]feed.RelayJob, error) {
	_, st, err := openStore(cfgPath, log)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	return st.PendingRelayJobs(ctx)
}
