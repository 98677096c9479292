// Package config loads the tengil source document and the tool settings.
//
// # Documents
//
// The document (tengil.yml by default) declares pools, datasets, containers
// and shares. Loader decodes YAML with yaml.v3 in strict mode, or CUE when the
// file ends in .cue, into an engine.Document. Every document is checked twice:
//
//   - struct tags through go-playground/validator, with the custom tags
//     zfsname, zfspath and vmid
//   - the #Document CUE schema held by SchemaRegistry
//
// Failures come back as an engine resolution error wrapping ValidationErrors,
// one entry per problem with file, line and document path where known.
//
//	loader := config.NewLoader(logger)
//	doc, err := loader.Load(ctx, "tengil.yml")
//	if err != nil {
//	    var verrs config.ValidationErrors
//	    if errors.As(err, &verrs) {
//	        for _, e := range verrs {
//	            fmt.Println(e)
//	        }
//	    }
//	    return err
//	}
//	desired, err := engine.Resolve(doc)
//
// # Settings
//
// LoadSettings reads settings.yaml through viper: defaults, then the file
// (/etc/tengil/settings.yaml or --settings), then TG_* environment variables
// such as TG_STATE_DIR, TG_PARALLELISM or TG_LOGGING_LEVEL.
//
// # Watching
//
// Watcher reports debounced changes of the document for `tg watch`.
package config
