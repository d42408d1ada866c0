package cepa

import (
	"fmt"

	"github.com/evanw/esbuild/pkg/api"
)

// compileScript is the CompileFunc used to populate the Bytecode
// Cache. It stands in for an actual bytecode compile step: the
// modernc.org/quickjs binding this server embeds evaluates source
// text directly and exposes no serialize/deserialize bytecode API, so
// the cacheable "compiled representation" here is syntax-validated,
// esbuild-transformed source — produced once per compile, replayed
// verbatim on every cache hit. See DESIGN.md for the full reasoning.
func compileScript(path string, source []byte) ([]byte, error) {
	result := api.Transform(string(source), api.TransformOptions{
		Loader: api.LoaderJS,
		Target: api.ESNext,
	})
	if len(result.Errors) > 0 {
		msg := result.Errors[0]
		line := 0
		if msg.Location != nil {
			line = msg.Location.Line
		}
		return nil, fmt.Errorf("%s : %d : %s", path, line, msg.Text)
	}
	return result.Code, nil
}
