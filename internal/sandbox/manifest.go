package sandbox

import (
	"encoding/json"
	"strings"
)

// StartPlan is how a project's dev server gets launched: an optional
// dependency install step followed by the long-running serve command.
type StartPlan struct {
	Install string
	Command string
}

type packageManifest struct {
	Main    string            `json:"main"`
	Scripts map[string]string `json:"scripts"`
}

// ResolveStartPlan inspects a project's files and decides how to run it.
// Node projects are driven by package.json scripts, Python projects by
// requirements.txt. Projects with no manifest fall back to running the
// conventional entry file directly.
func ResolveStartPlan(files map[string]string) StartPlan {
	if raw, ok := files["package.json"]; ok {
		return nodePlan(raw)
	}
	if _, ok := files["requirements.txt"]; ok {
		return pythonPlan(files)
	}
	return StartPlan{Command: "node server.js"}
}

func nodePlan(raw string) StartPlan {
	plan := StartPlan{Install: "npm install --no-audit --no-fund"}

	var manifest packageManifest
	if err := json.Unmarshal([]byte(raw), &manifest); err != nil {
		plan.Command = "node server.js"
		return plan
	}

	switch {
	case strings.TrimSpace(manifest.Scripts["dev"]) != "":
		plan.Command = "npm run dev"
	case strings.TrimSpace(manifest.Scripts["start"]) != "":
		plan.Command = "npm run start"
	case strings.TrimSpace(manifest.Main) != "":
		plan.Command = "node " + manifest.Main
	default:
		plan.Command = "node server.js"
	}
	return plan
}

func pythonPlan(files map[string]string) StartPlan {
	plan := StartPlan{Install: "pip install -r requirements.txt"}
	if _, ok := files["app.py"]; ok {
		plan.Command = "uvicorn app:app --host 0.0.0.0 --port ${PORT}"
		return plan
	}
	plan.Command = "python main.py"
	return plan
}
