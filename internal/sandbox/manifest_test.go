package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveStartPlan(t *testing.T) {
	tests := []struct {
		name        string
		files       map[string]string
		wantInstall string
		wantCommand string
	}{
		{
			name:        "dev script wins",
			files:       map[string]string{"package.json": `{"scripts":{"dev":"vite","start":"node index.js"}}`},
			wantInstall: "npm install --no-audit --no-fund",
			wantCommand: "npm run dev",
		},
		{
			name:        "start script next",
			files:       map[string]string{"package.json": `{"scripts":{"start":"node index.js"}}`},
			wantInstall: "npm install --no-audit --no-fund",
			wantCommand: "npm run start",
		},
		{
			name:        "main field fallback",
			files:       map[string]string{"package.json": `{"main":"app.js"}`},
			wantInstall: "npm install --no-audit --no-fund",
			wantCommand: "node app.js",
		},
		{
			name:        "empty manifest falls back to convention",
			files:       map[string]string{"package.json": `{}`},
			wantInstall: "npm install --no-audit --no-fund",
			wantCommand: "node server.js",
		},
		{
			name:        "malformed manifest falls back to convention",
			files:       map[string]string{"package.json": `{not json`},
			wantInstall: "npm install --no-audit --no-fund",
			wantCommand: "node server.js",
		},
		{
			name:        "python app module",
			files:       map[string]string{"requirements.txt": "fastapi", "app.py": "app = FastAPI()"},
			wantInstall: "pip install -r requirements.txt",
			wantCommand: "uvicorn app:app --host 0.0.0.0 --port ${PORT}",
		},
		{
			name:        "python plain script",
			files:       map[string]string{"requirements.txt": "requests", "main.py": "print('hi')"},
			wantInstall: "pip install -r requirements.txt",
			wantCommand: "python main.py",
		},
		{
			name:        "no manifest at all",
			files:       map[string]string{"server.js": "require('http')"},
			wantCommand: "node server.js",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := ResolveStartPlan(tt.files)
			assert.Equal(t, tt.wantInstall, plan.Install)
			assert.Equal(t, tt.wantCommand, plan.Command)
		})
	}
}
