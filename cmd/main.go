package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"

	"candlewatch/config"
	"candlewatch/internal/api/binance"
	"candlewatch/internal/autoencoder"
	"candlewatch/internal/classify"
	"candlewatch/internal/database"
	"candlewatch/internal/ensemble"
	"candlewatch/internal/features"
	"candlewatch/internal/normalize"
	"candlewatch/internal/notify"
	"candlewatch/internal/threshold"
	"candlewatch/models"
)

const maxTableRows = 15

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("loading config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	ctx := context.Background()

	client := binance.NewClient(binance.ClientOptions{
		RequestTimeout: time.Duration(cfg.RequestTimeout) * time.Second,
	})

	log.Info().Str("symbol", cfg.Symbol).Str("interval", cfg.Interval).
		Int("count", cfg.CandleCount).Msg("fetching candles")
	candles, err := client.GetCandles(ctx, cfg.Symbol, cfg.Interval, cfg.CandleCount)
	if err != nil {
		log.Fatal().Err(err).Msg("fetching candles")
	}

	vectors, err := features.Build(candles)
	if err != nil {
		log.Fatal().Err(err).Msg("building features")
	}

	stats, err := normalize.Fit(vectors)
	if err != nil {
		log.Fatal().Err(err).Msg("fitting normalizer")
	}
	matrix := normalize.Apply(vectors, stats)

	// Sequential split: validation uses the most recent slice so training
	// never sees the future.
	splitAt := int(float64(len(matrix)) * cfg.TrainSplit)
	if splitAt <= 0 || splitAt >= len(matrix) {
		log.Fatal().Int("samples", len(matrix)).Float64("split", cfg.TrainSplit).
			Msg("not enough samples for the requested split")
	}
	trainM, valM := matrix[:splitAt], matrix[splitAt:]

	metadata := make([]map[string]any, len(candles))
	for i, c := range candles {
		metadata[i] = map[string]any{
			"time":  c.Time().Format(time.RFC3339),
			"close": c.Close,
		}
	}

	classifier := classify.NewClassifier()
	classifier.WarningMultiplier = cfg.WarningMultiplier
	classifier.CriticalMultiplier = cfg.CriticalMultiplier

	engine := threshold.NewEngine()
	engine.Sigma = cfg.SigmaMultiplier
	engine.Percentile = cfg.Percentile

	var report *models.ScoreReport
	if cfg.Ensemble {
		report = runEnsemble(cfg, engine, classifier, trainM, valM, matrix, metadata)
	} else {
		report = runSingle(cfg, engine, classifier, trainM, valM, matrix, metadata, stats)
	}

	renderReport(report, candles)

	if cfg.DBHost != "" {
		persistRun(cfg, report)
	}

	notifier, err := notify.New(cfg.TelegramToken, cfg.TelegramChatID)
	if err != nil {
		log.Error().Err(err).Msg("creating notifier")
	} else if err := notifier.AlertAnomalies(cfg.Symbol, report); err != nil {
		log.Error().Err(err).Msg("sending alerts")
	}
}

func runSingle(cfg *config.Config, engine *threshold.Engine, classifier *classify.Classifier,
	trainM, valM, matrix [][]float64, metadata []map[string]any, stats models.NormalizationStats) *models.ScoreReport {

	model, err := autoencoder.New(cfg.ModelParameters())
	if err != nil {
		log.Fatal().Err(err).Msg("building model")
	}

	bar := trainingBar(cfg.Epochs, "Training")
	history, err := model.Train(trainM, valM, cfg.Epochs, cfg.BatchSize, func(r autoencoder.EpochResult) {
		bar.Add(1)
	})
	finishBar(bar)
	if err != nil {
		log.Fatal().Err(err).Msg("training model")
	}
	last := history[len(history)-1]
	log.Info().Int("epochs_run", len(history)).
		Float64("train_loss", last.TrainLoss).
		Float64("val_loss", last.ValLoss).
		Msg("training complete")

	if _, err := engine.Calibrate(model, trainM); err != nil {
		log.Fatal().Err(err).Msg("calibrating threshold")
	}

	report, err := classifier.Score(model, matrix, metadata)
	if err != nil {
		log.Fatal().Err(err).Msg("scoring")
	}

	if cfg.DBHost != "" {
		saveSnapshot(cfg, model, stats)
	}
	return report
}

func runEnsemble(cfg *config.Config, engine *threshold.Engine, classifier *classify.Classifier,
	trainM, valM, matrix [][]float64, metadata []map[string]any) *models.ScoreReport {

	coordinator, err := ensemble.New(ensemble.DefaultMemberParams(cfg.Seed), engine, classifier)
	if err != nil {
		log.Fatal().Err(err).Msg("building ensemble")
	}

	memberCount := len(coordinator.Members())
	bar := trainingBar(cfg.Epochs*memberCount, "Training ensemble")
	_, err = coordinator.Train(trainM, valM, cfg.Epochs, cfg.BatchSize,
		func(member int, r autoencoder.EpochResult) {
			bar.Add(1)
		})
	finishBar(bar)
	if err != nil {
		log.Fatal().Err(err).Msg("training ensemble")
	}

	if err := coordinator.Calibrate(trainM); err != nil {
		log.Fatal().Err(err).Msg("calibrating ensemble")
	}

	report, votes, err := coordinator.Score(matrix, metadata)
	if err != nil {
		log.Fatal().Err(err).Msg("scoring ensemble")
	}

	var unanimous int
	for _, v := range votes {
		if v.Confidence == 1 {
			unanimous++
		}
	}
	log.Info().Int("members", memberCount).Int("unanimous_rows", unanimous).Msg("ensemble vote summary")
	return report
}

func renderReport(report *models.ScoreReport, candles []models.Candle) {
	fmt.Printf("\nScored %d candles: threshold %.6f, anomaly rate %.2f%% (%d warning, %d critical)\n\n",
		report.TotalSamples, report.Threshold, report.AnomalyRate*100,
		report.SeverityLevels[models.SeverityWarning],
		report.SeverityLevels[models.SeverityCritical])

	table := tablewriter.NewTable(os.Stdout,
		tablewriter.WithHeader([]string{"Idx", "Time", "Severity", "Error", "Major", "Top Feature"}),
	)
	rows := 0
	for _, rec := range report.Anomalies {
		if rec.Severity == models.SeverityNormal || rows >= maxTableRows {
			continue
		}
		major := ""
		if rec.IsMajorEvent {
			major = "yes"
		}
		table.Append([]string{
			fmt.Sprintf("%d", rec.Index),
			candles[rec.Index].Time().Format("2006-01-02 15:04"),
			string(rec.Severity),
			fmt.Sprintf("%.6f", rec.ReconstructionError),
			major,
			topContribution(rec.Contributions),
		})
		rows++
	}
	table.Render()
}

// topContribution picks the dominant feature for display. Ranking lives
// here rather than in the classifier, which reports contributions unsorted.
func topContribution(contributions []models.FeatureContribution) string {
	best := -1
	for i, fc := range contributions {
		if best < 0 || fc.Value > contributions[best].Value {
			best = i
		}
	}
	if best < 0 {
		return ""
	}
	return fmt.Sprintf("%s (%.3f)", contributions[best].Feature, contributions[best].Value)
}

func persistRun(cfg *config.Config, report *models.ScoreReport) {
	db, err := database.New(database.ConnectionParams{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		DBName:   cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	})
	if err != nil {
		log.Error().Err(err).Msg("connecting to database")
		return
	}
	defer db.Close()

	runID, err := db.SaveRun(cfg.Symbol, cfg.Interval, report)
	if err != nil {
		log.Error().Err(err).Msg("saving run")
		return
	}
	log.Info().Int64("run_id", runID).Msg("run persisted")
}

func saveSnapshot(cfg *config.Config, model *autoencoder.Model, stats models.NormalizationStats) {
	snapshot, err := model.Snapshot(&stats)
	if err != nil {
		log.Error().Err(err).Msg("capturing snapshot")
		return
	}
	blob, err := snapshot.Marshal()
	if err != nil {
		log.Error().Err(err).Msg("encoding snapshot")
		return
	}

	db, err := database.New(database.ConnectionParams{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		DBName:   cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	})
	if err != nil {
		log.Error().Err(err).Msg("connecting to database")
		return
	}
	defer db.Close()

	if err := db.SaveSnapshot(cfg.Symbol, blob); err != nil {
		log.Error().Err(err).Msg("saving snapshot")
		return
	}
	log.Info().Msg("model snapshot persisted")
}

func trainingBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription(description),
	)
}

func finishBar(bar *progressbar.ProgressBar) {
	bar.Finish()
	fmt.Fprintln(os.Stderr)
}
