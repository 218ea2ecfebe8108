package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"

	"sqlgrep/internal/agent"
	"sqlgrep/internal/ai"
	"sqlgrep/internal/config"
	"sqlgrep/internal/conversation"
	"sqlgrep/internal/db"
	"sqlgrep/internal/metadata"
	"sqlgrep/internal/monitor"
	"sqlgrep/internal/recipe"
	"sqlgrep/internal/util"
)

// asker is satisfied by both the bare engine and the monitor recorder.
type asker interface {
	AnswerQuestion(ctx context.Context, question string, opts agent.Options) (*agent.Result, error)
	ReplayRecipe(ctx context.Context, rec recipe.Recipe, opts agent.Options) (*agent.Result, error)
	FormatResult(ctx context.Context, result *agent.Result, format string) (map[string]any, error)
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	question := flag.String("q", "", "natural-language question to answer")
	scope := flag.String("scope", "", "named context to answer within")
	conversationID := flag.String("conversation", "", "conversation id for multi-turn follow-ups (\"new\" generates one)")
	replayPath := flag.String("replay", "", "recipe file (or saved recipe id) to replay instead of asking")
	extractPath := flag.String("extract", "", "write the run's recipe to this file")
	saveRecipe := flag.Bool("save", false, "persist the run's recipe to the recipe store")
	format := flag.String("format", "", "transform the answer: query or notification")
	verbose := flag.Bool("verbose", false, "log steps and debug queries")
	flag.Parse()

	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *verbose {
		cfg.Verbose = true
	}
	util.SetVerbose(cfg.Verbose)

	if *question == "" && *replayPath == "" {
		fmt.Fprintln(os.Stderr, "nothing to do: pass -q or -replay")
		os.Exit(1)
	}

	specs := make(map[string]db.Spec, len(cfg.Connections))
	for name, conn := range cfg.Connections {
		specs[name] = db.Spec{Driver: conn.Driver, DSN: conn.DSN}
	}
	registry, err := db.Open(specs, cfg.DefaultConnection)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer registry.Close()

	client, err := ai.FromConfig(cfg.Provider, cfg.Fallback)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build ai client: %v\n", err)
		os.Exit(1)
	}

	var convs conversation.Store
	if cfg.Conversation.Enabled {
		if conn, err := registry.Get(cfg.Conversation.Connection); err == nil {
			convs = conversation.NewSQLStore(conn, cfg.Conversation.Table, cfg.Conversation.MaxMessages, cfg.Conversation.TTLDays)
		} else {
			util.Warnf("conversation store disabled: %v", err)
		}
	}

	engine := agent.New(&cfg, client, registry, metadata.NewAutoLoader(), convs)
	var runner asker = engine
	if cfg.Monitor.Enabled {
		if conn, err := registry.Get(cfg.Monitor.Connection); err == nil {
			store := monitor.NewStore(conn, cfg.Monitor.Table, cfg.Monitor.RetentionDays)
			runner = monitor.NewRecorder(engine, store, cfg.Provider)
		} else {
			util.Warnf("monitor disabled: %v", err)
		}
	}

	if *conversationID == "new" {
		*conversationID = uuid.NewString()
		util.Infof("conversation id: %s", *conversationID)
	}

	ctx := context.Background()
	opts := agent.Options{
		Scope:          *scope,
		ConversationID: *conversationID,
		OnStep: func(iteration int, message string) {
			util.Infof("step %d: %s", iteration, message)
		},
	}

	var result *agent.Result
	runQuestion := *question
	if *replayPath != "" {
		rec, err := loadRecipe(ctx, &cfg, registry, *replayPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load recipe: %v\n", err)
			os.Exit(1)
		}
		runQuestion = rec.Question
		result, err = runner.ReplayRecipe(ctx, *rec, opts)
		if err != nil {
			fail(err)
		}
	} else {
		result, err = runner.AnswerQuestion(ctx, runQuestion, opts)
		if err != nil {
			fail(err)
		}
	}

	fmt.Println(result.Summary)

	if cfg.Verbose {
		if steps, err := json.MarshalIndent(result.Steps, "", "  "); err == nil {
			util.Detailf("steps:\n%s", string(steps))
		}
		if queries, err := json.MarshalIndent(result.DebugQueries, "", "  "); err == nil {
			util.Detailf("queries:\n%s", string(queries))
		}
	}

	if *format != "" {
		payload, err := runner.FormatResult(ctx, result, *format)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to format result: %v\n", err)
			os.Exit(1)
		}
		encoded, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to encode payload: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(encoded))
	}

	if *extractPath != "" || *saveRecipe {
		rec := agent.ExtractRecipe(result, runQuestion, *scope)
		if *extractPath != "" {
			if err := writeRecipe(*extractPath, rec); err != nil {
				fmt.Fprintf(os.Stderr, "failed to write recipe: %v\n", err)
				os.Exit(1)
			}
			util.Infof("recipe written to %s", *extractPath)
		}
		if *saveRecipe {
			id, err := storeRecipe(ctx, &cfg, registry, rec, result.Summary)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to save recipe: %v\n", err)
				os.Exit(1)
			}
			util.Infof("recipe saved with id %s", id)
		}
	}
}

// fail prints a short apology for provider outages and the raw error
// for everything else.
func fail(err error) {
	var provider *ai.ProviderError
	if errors.As(err, &provider) {
		util.Errorf("provider failure: %v", err)
		fmt.Fprintln(os.Stderr, "Sorry, the AI service is unavailable right now. Please try again later.")
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
	os.Exit(1)
}

// loadRecipe reads a recipe file, falling back to a recipe-store lookup
// when the argument is not a readable file.
func loadRecipe(ctx context.Context, cfg *config.Config, registry *db.Registry, ref string) (*recipe.Recipe, error) {
	if data, err := os.ReadFile(ref); err == nil {
		var rec recipe.Recipe
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("parse recipe file %s: %w", ref, err)
		}
		return &rec, nil
	}

	if !cfg.Recipes.Enabled {
		return nil, fmt.Errorf("recipe file %s not readable and recipe store is disabled", ref)
	}
	conn, err := registry.Get(cfg.Recipes.Connection)
	if err != nil {
		return nil, err
	}
	store := recipe.NewStore(conn, cfg.Recipes.Table, cfg.Recipes.RetentionDays)
	rec, err := store.Find(ctx, ref)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("recipe %s not found", ref)
	}
	return rec, nil
}

func writeRecipe(path string, rec recipe.Recipe) error {
	encoded, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, encoded, 0o644)
}

func storeRecipe(ctx context.Context, cfg *config.Config, registry *db.Registry, rec recipe.Recipe, summary string) (string, error) {
	if !cfg.Recipes.Enabled {
		return "", errors.New("recipe store is disabled in config")
	}
	conn, err := registry.Get(cfg.Recipes.Connection)
	if err != nil {
		return "", err
	}
	store := recipe.NewStore(conn, cfg.Recipes.Table, cfg.Recipes.RetentionDays)
	return store.Save(ctx, rec, summary)
}
