package instance

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/validate"
	"github.com/google/renameio/v2/maybe"
)

// fileConf is the on-disk schema of the instance table.
type fileConf struct {
	Instances map[string]*Config `json:"instances"`
}

// LoadFile reads and validates the instance table from the JSON file at path.
func LoadFile(path string) (insts map[string]*Config, err error) {
	defer func() { err = errors.Annotate(err, "loading instances from %q: %w", path) }()

	data, err := os.ReadFile(path)
	if err != nil {
		// Don't wrap the error, because it's informative enough as is.
		return nil, err
	}

	return parse(data)
}

// parse decodes and validates the instance table.
func parse(data []byte) (insts map[string]*Config, err error) {
	conf := &fileConf{}
	err = json.Unmarshal(data, conf)
	if err != nil {
		return nil, fmt.Errorf("decoding: %w", err)
	}

	var errs []error
	for name, c := range conf.Instances {
		if c == nil {
			errs = append(errs, fmt.Errorf("instances: %q: %w", name, errors.ErrNoValue))

			continue
		}

		c.Name = name
		errs = validate.Append(errs, fmt.Sprintf("instances: %q", name), c)
	}

	err = errors.Join(errs...)
	if err != nil {
		return nil, err
	}

	return conf.Instances, nil
}

// defaultConf is the configuration written when the configured file does not
// exist yet.  The token must be replaced by the operator before the default
// instance is of any use.
const defaultConf = `{
  "instances": {
    "default": {
      "tokens": ["your-secret-token-here"],
      "restrict_out": "any",
      "restrict_in_cidrs": [],
      "timeout": 300
    },
    "internal-only": {
      "tokens": [],
      "restrict_out": "internal",
      "restrict_in_cidrs": ["192.168.0.0/16", "10.0.0.0/8", "172.16.0.0/12"],
      "timeout": 300
    }
  }
}
`

// WriteDefault atomically writes the default instance table to path.
func WriteDefault(path string) (err error) {
	err = maybe.WriteFile(path, []byte(defaultConf), 0o644)
	if err != nil {
		return fmt.Errorf("writing default config: %w", err)
	}

	return nil
}

// Bootstrap loads the instance table from path, writing the default table
// first if the file does not exist.
func Bootstrap(path string) (insts map[string]*Config, err error) {
	_, err = os.Stat(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("checking config file: %w", err)
		}

		err = WriteDefault(path)
		if err != nil {
			return nil, err
		}
	}

	return LoadFile(path)
}
