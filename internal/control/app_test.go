package control

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/scrapeguard/internal/core/domain"
	"github.com/vietddude/scrapeguard/internal/resilience/circuit"
	"github.com/vietddude/scrapeguard/internal/resilience/dlq"
	"github.com/vietddude/scrapeguard/internal/resilience/fetch"
)

func TestScraper_UsesBrowserFallback(t *testing.T) {
	app, _ := newTestApp(t)
	ctx := context.Background()

	res, err := app.Scraper.Scrape(ctx, ScrapeRequest{
		URL:      "https://www.ubereats.com/store/1",
		Platform: "ubereats",
	})
	require.NoError(t, err)
	assert.True(t, res.UsedBrowser)
	assert.Equal(t, "<html>menu</html>", res.HTML)

	h := app.Health.GetHealth("ubereats")
	assert.Equal(t, 1, h.Requests1h)

	b, ok := app.Circuits.Get("ubereats")
	require.True(t, ok)
	assert.Equal(t, 1, b.Stats().Successes)
}

func TestScraper_FailureIsQueuedAndReplayed(t *testing.T) {
	app, launcher := newTestApp(t)
	ctx := context.Background()
	launcher.failing.Store(true)

	_, err := app.Scraper.Scrape(ctx, ScrapeRequest{
		Type:     domain.OperationTypeMenuScrape,
		URL:      "https://deliveroo.co.uk/menu/1",
		Platform: "deliveroo",
		VenueID:  "venue-1",
	})
	require.Error(t, err)

	ops, err := app.Queue.List(ctx, domain.OperationFilter{})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	op := ops[0]
	assert.Equal(t, domain.OperationStatusPendingRetry, op.Status)
	assert.Equal(t, "deliveroo", op.Platform)
	assert.Equal(t, "venue-1", op.VenueID)
	assert.Equal(t, 1, op.Attempts)

	launcher.failing.Store(false)
	report, err := app.Replayer.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, dlq.Report{Processed: 1, Resolved: 1}, report)

	got, err := app.Queue.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OperationStatusResolved, got.Status)
}

func TestScraper_OpenCircuitDefersReplay(t *testing.T) {
	app, _ := newTestApp(t)
	ctx := context.Background()

	_, err := app.Circuits.GetOrCreate("deliveroo")
	require.NoError(t, err)
	require.NoError(t, app.Circuits.ForceOpen("deliveroo"))

	_, err = app.Scraper.Scrape(ctx, ScrapeRequest{
		URL:      "https://deliveroo.co.uk/menu/2",
		Platform: "deliveroo",
	})
	require.ErrorIs(t, err, circuit.ErrOpen)

	ops, err := app.Queue.List(ctx, domain.OperationFilter{})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	op := ops[0]

	report, err := app.Replayer.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, dlq.Report{Processed: 1, Deferred: 1}, report)

	got, err := app.Queue.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, op.Attempts, got.Attempts, "an open circuit does not spend attempts")
	assert.Equal(t, domain.OperationStatusPendingRetry, got.Status)

	require.NoError(t, app.Circuits.ForceClose("deliveroo"))
	_, err = app.Queue.Requeue(ctx, op.ID)
	require.NoError(t, err)
	report, err = app.Replayer.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, dlq.Report{Processed: 1, Resolved: 1}, report)
}

func TestScraper_ReplayWithoutContextEscalates(t *testing.T) {
	app, _ := newTestApp(t)
	ctx := context.Background()

	op, err := app.Queue.Enqueue(ctx, dlq.Failure{
		Type:     domain.OperationTypeDiscovery,
		Platform: "ubereats",
	})
	require.NoError(t, err)

	report, err := app.Replayer.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Escalated)

	got, err := app.Queue.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OperationStatusRequiresManual, got.Status)
}

func TestScraper_RequiresURL(t *testing.T) {
	app, _ := newTestApp(t)
	_, err := app.Scraper.Scrape(context.Background(), ScrapeRequest{Platform: "ubereats"})
	assert.Error(t, err)
}

func TestApp_ScheduledJobs(t *testing.T) {
	app, _ := newTestApp(t)
	ctx := context.Background()

	assert.Len(t, app.cron.Entries(), 3)
	require.NoError(t, app.runReplay(ctx))
	require.NoError(t, app.runSweep(ctx))
	require.NoError(t, app.runCleanup(ctx))
}

func TestApp_StartStop(t *testing.T) {
	app, _ := newTestApp(t)
	app.server = NewServer(app, 0, app.log)
	require.NotNil(t, app.pruner, "memory health store supports pruning")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, app.Start(ctx))

	_, err := app.Scraper.Scrape(ctx, ScrapeRequest{
		URL:      "https://www.ubereats.com/store/2",
		Platform: "ubereats",
	})
	require.NoError(t, err)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, app.Stop(stopCtx))

	_, err = app.Fetch.FetchPage(context.Background(), "https://www.ubereats.com/store/3", fetch.Options{})
	assert.ErrorIs(t, err, fetch.ErrPoolClosed)
}
