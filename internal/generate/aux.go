package generate

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/splax/imageforge/internal/detect"
)

const nginxConfig = `server {
    listen 80;
    server_name _;
    root /usr/share/nginx/html;
    index index.html;

    gzip on;
    gzip_types text/plain text/css application/json application/javascript text/xml application/xml image/svg+xml;

    location / {
        try_files $uri $uri/ /index.html;
    }

    location ~* \.(?:js|css|png|jpg|jpeg|gif|svg|ico|woff2?)$ {
        expires 30d;
        add_header Cache-Control "public, immutable";
        try_files $uri =404;
    }
}
`

var dockerignoreBase = []string{
	".git",
	".gitignore",
	"docker-compose.yml",
	"DEPLOYMENT.md",
	".env",
	".env.*",
	"!.env.example",
	"*.log",
	"coverage",
}

var dockerignoreByRuntime = map[string][]string{
	"node":   {"node_modules", ".next", ".nuxt", ".output", "dist", "build", ".svelte-kit"},
	"python": {"__pycache__", "*.pyc", ".venv", "venv", ".pytest_cache"},
	"go":     {"bin", "vendor"},
	"php":    {"vendor", "storage/logs"},
	"ruby":   {".bundle", "log", "tmp"},
	"java":   {"target", "build", ".gradle"},
	"rust":   {"target"},
	"dotnet": {"bin", "obj"},
}

func renderDockerignore(app detect.Application) []byte {
	if app.IsStatic && app.Runtime == "static" {
		return []byte(".git\n.env\n*.log\n")
	}
	lines := append([]string(nil), dockerignoreBase...)
	lines = append(lines, dockerignoreByRuntime[app.Runtime]...)
	return []byte(strings.Join(lines, "\n") + "\n")
}

// envDefault proposes a value for a conventional variable.
func envDefault(key string, app detect.Application, structure detect.ProjectStructure, names []string) string {
	switch {
	case key == "PORT" || key == "SERVER_PORT" || key == "ROCKET_PORT":
		return strconv.Itoa(app.Port)
	case key == "NODE_ENV" || key == "RAILS_ENV" || key == "RACK_ENV" || key == "APP_ENV" || key == "FLASK_ENV":
		return "production"
	case key == "ASPNETCORE_ENVIRONMENT" || key == "DOTNET_ENVIRONMENT":
		return "Production"
	case key == "ASPNETCORE_URLS":
		return "http://0.0.0.0:" + strconv.Itoa(app.Port)
	case key == "GIN_MODE":
		return "release"
	case key == "NEXT_TELEMETRY_DISABLED" || key == "PYTHONUNBUFFERED" || key == "RAILS_LOG_TO_STDOUT":
		return "1"
	case key == "DJANGO_DEBUG":
		return "False"
	case key == "DJANGO_ALLOWED_HOSTS":
		return "*"
	case key == "ROCKET_ADDRESS":
		return "0.0.0.0"
	case key == "RUST_LOG":
		return "info"
	case strings.HasSuffix(key, "API_URL") || strings.HasSuffix(key, "API_BASE"):
		return backendURL(structure, names)
	}
	return ""
}

// backendURL points frontends at the first backend service of a monorepo.
func backendURL(structure detect.ProjectStructure, names []string) string {
	for i, app := range structure.Applications {
		if app.Role == detect.RoleBackend && i < len(names) {
			return fmt.Sprintf("http://%s:%d", names[i], app.Port)
		}
	}
	return ""
}

func renderEnvExample(app detect.Application, structure detect.ProjectStructure, names []string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s environment variables\n", app.Name)
	for _, key := range app.Technology().EnvVars {
		fmt.Fprintf(&b, "%s=%s\n", key, envDefault(key, app, structure, names))
	}
	return []byte(b.String())
}

// renderProjectEnvExample groups every service's variables under its service name.
func renderProjectEnvExample(structure detect.ProjectStructure, names []string) []byte {
	var b strings.Builder
	b.WriteString("# Environment variables for all services\n")
	for i, app := range structure.Applications {
		fmt.Fprintf(&b, "\n# [%s] %s (%s)\n", names[i], app.Name, app.Path)
		vars := app.Technology().EnvVars
		if len(vars) == 0 {
			b.WriteString("# no variables required\n")
			continue
		}
		for _, key := range vars {
			fmt.Fprintf(&b, "%s=%s\n", key, envDefault(key, app, structure, names))
		}
	}
	if kind, _, ok := requiredDatabase(structure.Applications); ok {
		fmt.Fprintf(&b, "\n# [%s] %s\n", databaseService, kind)
		if kind == "mysql" {
			b.WriteString("MYSQL_PASSWORD=app\nMYSQL_ROOT_PASSWORD=root\n")
		} else {
			b.WriteString("POSTGRES_PASSWORD=app\n")
		}
	}
	return []byte(b.String())
}

func (g *Generator) renderGuide(structure detect.ProjectStructure, names []string) []byte {
	var b strings.Builder
	b.WriteString("# Deployment guide\n\n")
	fmt.Fprintf(&b, "_Generated %s._\n\n", g.now().UTC().Format(time.RFC3339))
	if structure.IsMonorepo {
		fmt.Fprintf(&b, "This checkout contains %d services.\n\n", len(structure.Applications))
	} else {
		b.WriteString("This checkout contains a single service.\n\n")
	}
	b.WriteString("| Service | Technology | Path | Port | Build command |\n")
	b.WriteString("|---|---|---|---|---|\n")
	for i, app := range structure.Applications {
		build := app.BuildCommand
		if build == "" {
			build = "-"
		}
		fmt.Fprintf(&b, "| %s | %s | `%s` | %d | `%s` |\n", names[i], app.Name, app.Path, app.Port, build)
	}
	b.WriteString("\n## Build\n\n```sh\n")
	for i, app := range structure.Applications {
		fmt.Fprintf(&b, "docker build -t %s %s\n", g.imageName(names[i]), buildContext(app.Path))
	}
	b.WriteString("```\n\n## Run\n\n```sh\n")
	if structure.IsMonorepo {
		b.WriteString("cp .env.example .env\ndocker compose up --build -d\n")
	} else {
		app := structure.Applications[0]
		fmt.Fprintf(&b, "docker run --rm -p %d:%d --env-file .env %s\n", app.Port, app.Port, g.imageName(names[0]))
	}
	b.WriteString("```\n")
	for i, app := range structure.Applications {
		tech := app.Technology()
		fmt.Fprintf(&b, "\n## %s\n\n", names[i])
		fmt.Fprintf(&b, "- Technology: %s\n", app.Name)
		if app.IsStatic {
			fmt.Fprintf(&b, "- Static output in `%s`, served by nginx on port 80\n", app.OutputDirectory)
		} else {
			fmt.Fprintf(&b, "- Listens on port %d\n", app.Port)
		}
		if app.Role == detect.RoleBackend && tech.HealthPath != "" {
			fmt.Fprintf(&b, "- Health check: `GET %s`\n", tech.HealthPath)
		}
		if tech.Database != "" {
			fmt.Fprintf(&b, "- Requires a %s database (service `%s`)\n", tech.Database, databaseService)
		}
		if len(tech.EnvVars) > 0 {
			fmt.Fprintf(&b, "- Environment: %s\n", strings.Join(tech.EnvVars, ", "))
		}
	}
	return []byte(b.String())
}
