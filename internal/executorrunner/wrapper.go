package executorrunner

import (
	"fmt"
	"os"
	"path/filepath"
)

// sentinelStart and sentinelEnd frame the handler's JSON return value on
// stdout (spec §6.3).
const (
	sentinelStart = "===SANDBOX_RESULT==="
	sentinelEnd   = "===SANDBOX_RESULT_END==="
)

// writeWorkspaceFiles implements spec §4.5 steps 1-2: write the user's code
// into the workspace, then build a per-language wrapper that reads the
// event object from stdin, invokes handler(event), and prints the result
// framed by the stdout sentinel markers. Returns the absolute path, as seen
// inside the sandbox under /workspace, that the isolated process should exec.
func writeWorkspaceFiles(workspacePath, language, code string) (entryPath string, err error) {
	switch language {
	case "python":
		if err := os.WriteFile(filepath.Join(workspacePath, "user_code.py"), []byte(code), 0o644); err != nil {
			return "", fmt.Errorf("executorrunner: write user code: %w", err)
		}
		wrapper := fmt.Sprintf(`import json
import sys

sys.path.insert(0, "/workspace")
import user_code


def _main():
    raw = sys.stdin.read()
    event = json.loads(raw) if raw.strip() else {}
    result = user_code.handler(event)
    print(%q)
    print(json.dumps(result))
    print(%q)


if __name__ == "__main__":
    _main()
`, sentinelStart, sentinelEnd)
		if err := os.WriteFile(filepath.Join(workspacePath, "_wrapper.py"), []byte(wrapper), 0o644); err != nil {
			return "", fmt.Errorf("executorrunner: write wrapper: %w", err)
		}
		return "/workspace/_wrapper.py", nil

	case "javascript":
		if err := os.WriteFile(filepath.Join(workspacePath, "user_code.js"), []byte(code), 0o644); err != nil {
			return "", fmt.Errorf("executorrunner: write user code: %w", err)
		}
		wrapper := fmt.Sprintf(`const userCode = require("/workspace/user_code.js");

let raw = "";
process.stdin.on("data", (chunk) => { raw += chunk; });
process.stdin.on("end", () => {
  const event = raw.trim() ? JSON.parse(raw) : {};
  Promise.resolve(userCode.handler(event)).then((result) => {
    console.log(%q);
    console.log(JSON.stringify(result));
    console.log(%q);
  }).catch((err) => {
    console.error(err && err.stack ? err.stack : String(err));
    process.exit(1);
  });
});
`, sentinelStart, sentinelEnd)
		if err := os.WriteFile(filepath.Join(workspacePath, "_wrapper.js"), []byte(wrapper), 0o644); err != nil {
			return "", fmt.Errorf("executorrunner: write wrapper: %w", err)
		}
		return "/workspace/_wrapper.js", nil

	case "shell":
		// Shell code is its own entrypoint; there is no handler(event)
		// convention to wrap, so the sentinel frame is only present if the
		// script prints it itself (spec §6.3: markers optional).
		path := filepath.Join(workspacePath, "user_code.sh")
		if err := os.WriteFile(path, []byte(code), 0o755); err != nil {
			return "", fmt.Errorf("executorrunner: write user code: %w", err)
		}
		return "/workspace/user_code.sh", nil

	default:
		return "", fmt.Errorf("executorrunner: unsupported language %q", language)
	}
}
