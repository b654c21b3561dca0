package generate

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/docker/go-connections/nat"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/splax/imageforge/internal/detect"
)

const (
	networkName        = "app-network"
	restartPolicy      = "unless-stopped"
	databaseService    = "db"
	composeFileName    = "docker-compose.yml"
	composeFileHeading = "# Generated by imageforge.\n"
)

type composeFile struct {
	Services map[string]composeService `yaml:"services"`
	Networks map[string]composeNetwork `yaml:"networks"`
	Volumes  map[string]composeVolume  `yaml:"volumes,omitempty"`
}

type composeService struct {
	Image       string              `yaml:"image"`
	Build       *composeBuild       `yaml:"build,omitempty"`
	Ports       []string            `yaml:"ports,omitempty"`
	Environment map[string]string   `yaml:"environment,omitempty"`
	DependsOn   []string            `yaml:"depends_on,omitempty"`
	Volumes     []string            `yaml:"volumes,omitempty"`
	Networks    []string            `yaml:"networks"`
	Restart     string              `yaml:"restart"`
	Healthcheck *composeHealthcheck `yaml:"healthcheck,omitempty"`
}

type composeBuild struct {
	Context    string `yaml:"context"`
	Dockerfile string `yaml:"dockerfile"`
}

type composeHealthcheck struct {
	Test        []string `yaml:"test"`
	Interval    string   `yaml:"interval"`
	Timeout     string   `yaml:"timeout"`
	Retries     int      `yaml:"retries"`
	StartPeriod string   `yaml:"start_period,omitempty"`
}

type composeNetwork struct {
	Driver string `yaml:"driver"`
}

type composeVolume struct{}

type databaseSpec struct {
	image       string
	volume      string
	mountPath   string
	port        int
	environment map[string]string
	healthcheck []string
	url         string
}

var databases = map[string]databaseSpec{
	"postgres": {
		image:     "postgres:16-alpine",
		volume:    "postgres-data",
		mountPath: "/var/lib/postgresql/data",
		port:      5432,
		environment: map[string]string{
			"POSTGRES_USER":     "app",
			"POSTGRES_PASSWORD": "${POSTGRES_PASSWORD:-app}",
			"POSTGRES_DB":       "app",
		},
		healthcheck: []string{"CMD-SHELL", "pg_isready -U app -d app"},
		url:         "postgres://app:${POSTGRES_PASSWORD:-app}@db:5432/app",
	},
	"mysql": {
		image:     "mysql:8.4",
		volume:    "mysql-data",
		mountPath: "/var/lib/mysql",
		port:      3306,
		environment: map[string]string{
			"MYSQL_DATABASE":      "app",
			"MYSQL_USER":          "app",
			"MYSQL_PASSWORD":      "${MYSQL_PASSWORD:-app}",
			"MYSQL_ROOT_PASSWORD": "${MYSQL_ROOT_PASSWORD:-root}",
		},
		healthcheck: []string{"CMD", "mysqladmin", "ping", "-h", "localhost"},
		url:         "mysql://app:${MYSQL_PASSWORD:-app}@db:3306/app",
	},
}

// serviceNames maps each application to its compose service name and fails on collisions.
func serviceNames(apps []detect.Application) ([]string, error) {
	names := make([]string, len(apps))
	owner := make(map[string]string, len(apps))
	for i, app := range apps {
		name := NormalizeServiceName(app.Path)
		if prev, ok := owner[name]; ok {
			return nil, fmt.Errorf("%w: %q and %q both map to %q", ErrServiceNameCollision, prev, app.Path, name)
		}
		owner[name] = app.Path
		names[i] = name
	}
	return names, nil
}

// requiredDatabase returns the first relational database any application needs.
func requiredDatabase(apps []detect.Application) (string, databaseSpec, bool) {
	for _, app := range apps {
		kind := app.Technology().Database
		if spec, ok := databases[kind]; ok {
			return kind, spec, true
		}
	}
	return "", databaseSpec{}, false
}

func (g *Generator) renderCompose(structure detect.ProjectStructure) ([]byte, error) {
	apps := structure.Applications
	names, err := serviceNames(apps)
	if err != nil {
		return nil, err
	}
	_, db, needsDB := requiredDatabase(apps)
	if needsDB && lo.Contains(names, databaseService) {
		return nil, fmt.Errorf("%w: application service collides with %q", ErrServiceNameCollision, databaseService)
	}

	backends := make([]string, 0, len(apps))
	for i, app := range apps {
		if app.Role == detect.RoleBackend {
			backends = append(backends, names[i])
		}
	}

	file := composeFile{
		Services: make(map[string]composeService, len(apps)+1),
		Networks: map[string]composeNetwork{networkName: {Driver: "bridge"}},
	}
	used := make(map[nat.Port]struct{})
	for i, app := range apps {
		tech := app.Technology()
		name := names[i]
		port, err := hostPortFor(app.Port, used)
		if err != nil {
			return nil, &GenerationError{Path: app.Path, Op: "compose ports", Err: err}
		}
		svc := composeService{
			Image:       g.imageName(name),
			Build:       &composeBuild{Context: buildContext(app.Path), Dockerfile: "Dockerfile"},
			Ports:       []string{port},
			Environment: serviceEnvironment(app, structure, names),
			Networks:    []string{networkName},
			Restart:     restartPolicy,
		}
		switch app.Role {
		case detect.RoleBackend:
			svc.Healthcheck = backendHealthcheck(app.Port, tech.HealthPath)
			if needsDB && tech.Database != "" {
				svc.DependsOn = []string{databaseService}
				svc.Environment["DATABASE_URL"] = db.url
			}
		default:
			if len(backends) > 0 {
				svc.DependsOn = append([]string(nil), backends...)
			}
		}
		file.Services[name] = svc
	}

	if needsDB {
		file.Services[databaseService] = composeService{
			Image:       db.image,
			Environment: db.environment,
			Volumes:     []string{db.volume + ":" + db.mountPath},
			Networks:    []string{networkName},
			Restart:     restartPolicy,
			Healthcheck: &composeHealthcheck{Test: db.healthcheck, Interval: "10s", Timeout: "5s", Retries: 5},
		}
		file.Volumes = map[string]composeVolume{db.volume: {}}
	}

	var buf bytes.Buffer
	buf.WriteString(composeFileHeading)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(file); err != nil {
		return nil, fmt.Errorf("encode compose file: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode compose file: %w", err)
	}
	return buf.Bytes(), nil
}

// hostPortFor publishes the container port on the first free host port at or above it.
func hostPortFor(containerPort int, used map[nat.Port]struct{}) (string, error) {
	if containerPort <= 0 {
		containerPort = 8080
	}
	host := containerPort
	for {
		p, err := nat.NewPort("tcp", strconv.Itoa(host))
		if err != nil {
			return "", err
		}
		if _, taken := used[p]; !taken {
			used[p] = struct{}{}
			break
		}
		host++
	}
	spec := fmt.Sprintf("%d:%d", host, containerPort)
	if _, err := nat.ParsePortSpec(spec); err != nil {
		return "", fmt.Errorf("invalid port mapping %s: %w", spec, err)
	}
	return spec, nil
}

func buildContext(path string) string {
	if path == "" || path == "." {
		return "."
	}
	return "./" + path
}

func backendHealthcheck(port int, path string) *composeHealthcheck {
	if path == "" {
		path = "/"
	}
	url := fmt.Sprintf("http://localhost:%d%s", port, path)
	probe := fmt.Sprintf("curl -fsS %s > /dev/null || wget -qO- %s > /dev/null || exit 1", url, url)
	return &composeHealthcheck{
		Test:        []string{"CMD-SHELL", probe},
		Interval:    "30s",
		Timeout:     "10s",
		Retries:     3,
		StartPeriod: "20s",
	}
}

// serviceEnvironment lists the technology's conventional variables as
// interpolations from the root .env file.
func serviceEnvironment(app detect.Application, structure detect.ProjectStructure, names []string) map[string]string {
	env := make(map[string]string)
	for _, key := range app.Technology().EnvVars {
		env[key] = fmt.Sprintf("${%s:-%s}", key, envDefault(key, app, structure, names))
	}
	return env
}
