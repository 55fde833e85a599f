// Command import submits every video listed in a spreadsheet to a running
// transcription API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/kasparov112000/learnbytesting-video-transcription/internal/dataset"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/logger"
	"github.com/kasparov112000/learnbytesting-video-transcription/internal/processor"
)

type options struct {
	API          string `long:"api" env:"TRANSCRIPTION_API_URL" default:"http://localhost:8080" description:"Transcription API base url"`
	Origin       string `long:"origin" choice:"local" choice:"production" description:"Value for the origin header"`
	OriginHeader string `long:"origin-header" env:"ORIGIN_HEADER" default:"X-Request-Origin" description:"Origin header name"`
	Parallel     int    `short:"p" long:"parallel" default:"4" description:"Concurrent submissions"`
	Args         struct {
		Sheet string `positional-arg-name:"videos.xlsx" required:"yes"`
	} `positional-args:"yes"`
}

func main() {
	_ = godotenv.Load()

	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	log := logger.New()
	rows, err := dataset.Load(opts.Args.Sheet)
	if err != nil {
		log.WithError(err).Fatal("failed to load spreadsheet")
	}
	log.WithField("rows", len(rows)).Info("submitting videos")

	sub := &submitter{
		client:       &http.Client{Timeout: 60 * time.Second},
		baseURL:      strings.TrimRight(opts.API, "/"),
		origin:       opts.Origin,
		originHeader: opts.OriginHeader,
	}
	sum, err := sub.run(context.Background(), rows, opts.Parallel)
	log.WithField("created", sum.Created).WithField("existing", sum.Existing).WithField("failed", sum.Failed).Info("import finished")
	if err != nil {
		log.WithError(err).Fatal("import aborted")
	}
	if sum.Failed > 0 {
		os.Exit(1)
	}
}

type summary struct {
	Created  int
	Existing int
	Failed   int
}

type submitter struct {
	client       *http.Client
	baseURL      string
	origin       string
	originHeader string
}

// run submits rows with at most parallel requests in flight. A rejected row
// is counted and logged; only a cancelled context stops the batch.
func (s *submitter) run(ctx context.Context, rows []dataset.Row, parallel int) (summary, error) {
	var (
		mu  sync.Mutex
		sum summary
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(parallel, 1))
	for _, row := range rows {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := s.submit(ctx, row)
			mu.Lock()
			defer mu.Unlock()
			rowLog := logger.New().WithField("line", row.Line).WithField("url", row.URL)
			switch {
			case err != nil:
				sum.Failed++
				rowLog.WithError(err).Warn("submission failed")
			case res.Existing:
				sum.Existing++
				rowLog.WithField("id", res.ID).Info("already known")
			default:
				sum.Created++
				rowLog.WithField("id", res.ID).Info("submitted")
			}
			return nil
		})
	}
	err := g.Wait()
	return sum, err
}

func (s *submitter) submit(ctx context.Context, row dataset.Row) (processor.SubmitResult, error) {
	body, err := json.Marshal(processor.SubmitRequest{URL: row.URL, Language: row.Language, CompanionRef: row.CompanionRef})
	if err != nil {
		return processor.SubmitResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/transcripts", bytes.NewReader(body))
	if err != nil {
		return processor.SubmitResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.origin != "" {
		req.Header.Set(s.originHeader, s.origin)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return processor.SubmitResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return processor.SubmitResult{}, fmt.Errorf("api returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var res processor.SubmitResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return processor.SubmitResult{}, fmt.Errorf("decode response: %w", err)
	}
	return res, nil
}
