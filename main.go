package main

import (
	"context"
	"fmt"
	"geostream/cache"
	"geostream/config"
	"geostream/feature"
	"geostream/fetch"
	"geostream/parser"
	"geostream/source"
	"geostream/util"
	"geostream/web"
	"github.com/alecthomas/kong"
	"github.com/hauke96/sigolo/v2"
	"github.com/paulmach/orb/geojson"
	"github.com/pkg/errors"
	"net/url"
	"os"
	"os/signal"
	"path"
	"strings"
	"time"
)

const VERSION = "v0.1.0"

var cli struct {
	Logging string      `help:"Logging verbosity." enum:"info,debug,trace" short:"l" default:"info"`
	Version VersionFlag `help:"Print version information and quit" name:"version" short:"v"`
	Config  string      `help:"YAML configuration file. Defaults are used when not given." short:"c"`
	Fetch   struct {
		Urls    []string `help:"The URLs of the GeoJSON endpoints. All of them are loaded in parallel." placeholder:"<url>" arg:""`
		Param   []string `help:"Query parameter in the form key=value, added to every URL. Can be given multiple times." short:"p" placeholder:"<key=value>"`
		Output  string   `help:"Write the feature collection to this file. With several URLs this is a directory getting one <resource>.geojson file per URL." short:"o" placeholder:"<path>"`
		NoCache bool     `help:"Neither read nor write the local cache."`
	} `cmd:"" help:"Loads the features of GeoJSON endpoints, using the local cache when it's still up to date."`
	Serve struct {
		Files           []string      `help:"Dataset files (.geojson, .json, .osm, .pbf). Each is served under its file name." placeholder:"<dataset-file>" arg:"" type:"existingfile"`
		Port            string        `help:"Port of the server." placeholder:"<port>"`
		StreamThreshold int           `help:"Responses with more features are streamed." placeholder:"<count>"`
		Cooldown        time.Duration `help:"Minimum time between two GeoJSON requests of one client, e.g. 10s." placeholder:"<duration>"`
	} `cmd:"" help:"Serves dataset files as GeoJSON endpoints with version information."`
	Cache struct {
		List  struct{} `cmd:"" help:"Lists all cache entries."`
		Clear struct{} `cmd:"" help:"Removes all cache entries."`
	} `cmd:"" help:"Inspects and cleans the local cache."`
}

type VersionFlag string

func (v VersionFlag) Decode(ctx *kong.DecodeContext) error { return nil }
func (v VersionFlag) IsBool() bool                         { return true }
func (v VersionFlag) BeforeApply(app *kong.Kong, vars kong.Vars) error {
	fmt.Println(vars["version"])
	app.Exit(0)
	return nil
}

func main() {
	ctx := kong.Parse(
		&cli,
		kong.Name("geostream"),
		kong.Description("Loads GeoJSON feature collections incrementally and keeps them in a version-checked local cache."),
		kong.Vars{
			"version": VERSION,
		},
	)

	util.SetupLogging(cli.Logging)

	cfg, err := config.Load(cli.Config)
	sigolo.FatalCheck(err)

	signalCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch ctx.Command() {
	case "fetch <urls>":
		err = fetchFeatures(signalCtx, cfg)
	case "serve <files>":
		err = serve(cfg)
	case "cache list":
		err = listCache(signalCtx, cfg)
	case "cache clear":
		err = clearCache(signalCtx, cfg)
	default:
		sigolo.Errorf("Unknown command '%s'", ctx.Command())
	}
	sigolo.FatalCheck(err)
}

func openCache(ctx context.Context, cfg *config.Config, disabled bool) (*cache.VersionedCache, error) {
	if disabled {
		return cache.New(nil, cfg.Cache.VersionedCacheConfig()), nil
	}

	store, err := cache.OpenStore(ctx, cfg.Cache.Backend, cfg.Cache.Path, cfg.Cache.Namespace, cfg.Cache.SchemaVersion)
	if err != nil {
		return nil, err
	}
	return cache.New(store, cfg.Cache.VersionedCacheConfig()), nil
}

func fetchFeatures(ctx context.Context, cfg *config.Config) error {
	parameters := url.Values{}
	for _, param := range cli.Fetch.Param {
		key, value, found := strings.Cut(param, "=")
		if !found || key == "" {
			return errors.Errorf("Invalid parameter '%s', expected key=value", param)
		}
		parameters.Add(key, value)
	}

	requests, err := fetchRequests(cli.Fetch.Urls, parameters)
	if err != nil {
		return err
	}

	versionedCache, err := openCache(ctx, cfg, cli.Fetch.NoCache)
	if err != nil {
		return err
	}
	defer versionedCache.Close()
	if !versionedCache.Enabled() {
		sigolo.Infof("Caching is disabled, every resource is loaded from network")
	}

	options := append(cfg.Loader.FetchOptions(), fetch.WithHandlers(progressHandlers))
	client := fetch.New(versionedCache, nil, options...)

	outcomes, err := client.FetchMultiple(ctx, requests)
	if err != nil && !errors.Is(err, fetch.ErrTimedOut) {
		return err
	}

	failed := 0
	for _, outcome := range outcomes {
		outcomeErr := writeOutcome(outcome, len(outcomes) > 1)
		if outcomeErr != nil {
			sigolo.Errorf("Loading %s failed: %+v", outcome.Request.Resource, outcomeErr)
			failed++
		}
	}

	if failed > 0 {
		return errors.Errorf("%d of %d resources could not be loaded", failed, len(outcomes))
	}
	return nil
}

// fetchRequests creates one request per URL. The resource is the last path element of the URL, resources occurring more
// than once get their position as suffix so that they don't abort each other.
func fetchRequests(urls []string, parameters url.Values) ([]fetch.Request, error) {
	names := make([]string, len(urls))
	occurrences := map[string]int{}
	for i, rawUrl := range urls {
		names[i] = path.Base(strings.SplitN(rawUrl, "?", 2)[0])
		occurrences[names[i]]++
	}

	requests := make([]fetch.Request, len(urls))
	for i, rawUrl := range urls {
		requestUrl, err := fetch.BuildURL(rawUrl, parameters)
		if err != nil {
			return nil, err
		}

		resource := names[i]
		if occurrences[resource] > 1 {
			resource = fmt.Sprintf("%s-%d", resource, i+1)
		}
		requests[i] = fetch.Request{Resource: resource, URL: requestUrl}
	}
	return requests, nil
}

func writeOutcome(outcome fetch.Outcome, multiple bool) error {
	resource := outcome.Request.Resource
	if retryAfter, limited := parser.IsRateLimited(outcome.Err); limited {
		return errors.Wrapf(outcome.Err, "Server rejected the request, retry in %d seconds", retryAfter)
	}
	if outcome.Err != nil {
		return outcome.Err
	}

	result := outcome.Result
	provenance := "from network"
	if result.FromCache {
		provenance = "from cache"
	}
	sigolo.Infof("Loaded %d features of %s %s (version '%s')", len(result.Collection.Features), resource, provenance, result.Version)
	if result.Truncated {
		sigolo.Warnf("The response of %s was cut off, the data is incomplete and hasn't been cached", resource)
	}

	if cli.Fetch.Output == "" {
		return nil
	}

	outputFile := cli.Fetch.Output
	if multiple {
		err := os.MkdirAll(cli.Fetch.Output, os.ModePerm)
		if err != nil {
			return errors.Wrapf(err, "Unable to create output directory %s", cli.Fetch.Output)
		}
		outputFile = path.Join(cli.Fetch.Output, resource+".geojson")
	}

	data, err := feature.Marshal(result.Collection)
	if err != nil {
		return err
	}
	err = os.WriteFile(outputFile, data, 0644)
	if err != nil {
		return errors.Wrapf(err, "Unable to write output file %s", outputFile)
	}
	sigolo.Infof("Wrote features of %s to %s", resource, outputFile)
	return nil
}

func progressHandlers(resource string) parser.Handlers {
	return parser.Handlers{
		OnProgress: func(loaded, total int) {
			sigolo.Infof("%s: %s", resource, feature.Progress{Loaded: loaded, Total: total})
		},
		OnComplete: func(collection *geojson.FeatureCollection, version string) {
			sigolo.Debugf("%s: complete with %d features", resource, len(collection.Features))
		},
	}
}

func serve(cfg *config.Config) error {
	serverConfig := cfg.Server.WebConfig()
	if cli.Serve.Port != "" {
		serverConfig.Port = cli.Serve.Port
	}
	if cli.Serve.StreamThreshold > 0 {
		serverConfig.StreamThreshold = cli.Serve.StreamThreshold
	}
	if cli.Serve.Cooldown > 0 {
		serverConfig.Cooldown = cli.Serve.Cooldown
	}

	datasets := web.NewDatasets()
	for _, file := range cli.Serve.Files {
		collection, err := source.Load(file)
		if err != nil {
			return err
		}
		_, err = datasets.Put(source.DatasetName(file), collection)
		if err != nil {
			return err
		}
	}

	web.StartServer(datasets, serverConfig)
	return nil
}

func listCache(ctx context.Context, cfg *config.Config) error {
	versionedCache, err := openCache(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer versionedCache.Close()

	entries, err := versionedCache.List(ctx)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		timestamp := time.UnixMilli(entry.Timestamp).UTC().Format(time.RFC3339)
		version := entry.Version
		if version == "" {
			version = "-"
		}
		fmt.Printf("%s  %s  %-16s  %8d bytes\n", entry.Key, timestamp, version, len(entry.Data))
	}
	sigolo.Infof("%d cache entries", len(entries))
	return nil
}

func clearCache(ctx context.Context, cfg *config.Config) error {
	versionedCache, err := openCache(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer versionedCache.Close()

	err = versionedCache.Clear(ctx)
	if err != nil {
		return err
	}
	sigolo.Infof("Cache cleared")
	return nil
}
