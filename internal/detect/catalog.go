package detect

import "strings"

// Role classifies how a technology participates in a multi-service deployment.
type Role string

const (
	RoleFrontend Role = "frontend"
	RoleBackend  Role = "backend"
)

// Ecosystem identifies the manifest family a technology is recognised from.
type Ecosystem string

const (
	EcosystemNode   Ecosystem = "node"
	EcosystemPython Ecosystem = "python"
	EcosystemGo     Ecosystem = "go"
	EcosystemPHP    Ecosystem = "php"
	EcosystemRuby   Ecosystem = "ruby"
	EcosystemJava   Ecosystem = "java"
	EcosystemRust   Ecosystem = "rust"
	EcosystemDotnet Ecosystem = "dotnet"
	EcosystemStatic Ecosystem = "static"
)

// Technology describes a recognisable framework or bare runtime.
//
// A technology matches when every entry of Requires is declared, and at least
// one entry of Dependencies is declared or one of Markers exists on disk. An
// entry with no predicates is the generic fallback of its ecosystem and must
// be listed last.
type Technology struct {
	Name            string
	Slug            string
	Ecosystem       Ecosystem
	Runtime         string
	BuildCommand    string
	Port            int
	IsStatic        bool
	OutputDirectory string
	Role            Role
	HealthPath      string
	EnvVars         []string
	Database        string

	Requires     []string
	Dependencies []string
	Markers      []string
}

func (t Technology) matches(ev *evidence) bool {
	for _, dep := range t.Requires {
		if !ev.declares(dep) {
			return false
		}
	}
	if len(t.Dependencies) == 0 && len(t.Markers) == 0 {
		return true
	}
	for _, dep := range t.Dependencies {
		if ev.declares(dep) {
			return true
		}
	}
	for _, marker := range t.Markers {
		if ev.hasFile(marker) {
			return true
		}
	}
	return false
}

var nodeEnv = []string{"NODE_ENV", "PORT"}

// catalog is ordered: within an ecosystem the first match wins.
var catalog = []Technology{
	{Name: "Next.js", Slug: "nextjs", Ecosystem: EcosystemNode, Runtime: "node", BuildCommand: "npm run build", Port: 3000, Role: RoleFrontend, OutputDirectory: ".next",
		EnvVars: append([]string{"NEXT_PUBLIC_API_URL", "NEXT_TELEMETRY_DISABLED"}, nodeEnv...), Dependencies: []string{"next"}},
	{Name: "Nuxt", Slug: "nuxt", Ecosystem: EcosystemNode, Runtime: "node", BuildCommand: "npm run build", Port: 3000, Role: RoleFrontend, OutputDirectory: ".output",
		EnvVars: append([]string{"NUXT_PUBLIC_API_BASE"}, nodeEnv...), Dependencies: []string{"nuxt", "nuxt3"}},
	{Name: "SvelteKit", Slug: "sveltekit", Ecosystem: EcosystemNode, Runtime: "node", BuildCommand: "npm run build", Port: 3000, Role: RoleFrontend, OutputDirectory: "build",
		EnvVars: append([]string{"PUBLIC_API_URL", "ORIGIN"}, nodeEnv...), Dependencies: []string{"@sveltejs/kit"}},
	{Name: "Remix", Slug: "remix", Ecosystem: EcosystemNode, Runtime: "node", BuildCommand: "npm run build", Port: 3000, Role: RoleFrontend, OutputDirectory: "build",
		EnvVars: append([]string{"SESSION_SECRET"}, nodeEnv...), Dependencies: []string{"@remix-run/react", "@remix-run/node"}},
	{Name: "Astro", Slug: "astro", Ecosystem: EcosystemNode, Runtime: "node", BuildCommand: "npm run build", Port: 80, IsStatic: true, Role: RoleFrontend, OutputDirectory: "dist",
		EnvVars: []string{"PUBLIC_API_URL"}, Dependencies: []string{"astro"}},
	{Name: "Gatsby", Slug: "gatsby", Ecosystem: EcosystemNode, Runtime: "node", BuildCommand: "npm run build", Port: 80, IsStatic: true, Role: RoleFrontend, OutputDirectory: "public",
		EnvVars: []string{"GATSBY_API_URL"}, Dependencies: []string{"gatsby"}},
	{Name: "Angular", Slug: "angular", Ecosystem: EcosystemNode, Runtime: "node", BuildCommand: "npm run build", Port: 80, IsStatic: true, Role: RoleFrontend, OutputDirectory: "dist",
		EnvVars: []string{"API_URL"}, Dependencies: []string{"@angular/core"}},
	{Name: "NestJS", Slug: "nestjs", Ecosystem: EcosystemNode, Runtime: "node", BuildCommand: "npm run build", Port: 3000, Role: RoleBackend, OutputDirectory: "dist", HealthPath: "/health",
		EnvVars: append([]string{"DATABASE_URL", "JWT_SECRET"}, nodeEnv...), Dependencies: []string{"@nestjs/core"}},
	{Name: "React (Vite)", Slug: "react-vite", Ecosystem: EcosystemNode, Runtime: "node", BuildCommand: "npm run build", Port: 80, IsStatic: true, Role: RoleFrontend, OutputDirectory: "dist",
		EnvVars: []string{"VITE_API_URL"}, Requires: []string{"react", "vite"}},
	{Name: "Vue.js", Slug: "vue", Ecosystem: EcosystemNode, Runtime: "node", BuildCommand: "npm run build", Port: 80, IsStatic: true, Role: RoleFrontend, OutputDirectory: "dist",
		EnvVars: []string{"VITE_API_URL"}, Dependencies: []string{"vue"}},
	{Name: "Svelte", Slug: "svelte", Ecosystem: EcosystemNode, Runtime: "node", BuildCommand: "npm run build", Port: 80, IsStatic: true, Role: RoleFrontend, OutputDirectory: "dist",
		EnvVars: []string{"VITE_API_URL"}, Dependencies: []string{"svelte"}},
	{Name: "Create React App", Slug: "create-react-app", Ecosystem: EcosystemNode, Runtime: "node", BuildCommand: "npm run build", Port: 80, IsStatic: true, Role: RoleFrontend, OutputDirectory: "build",
		EnvVars: []string{"REACT_APP_API_URL"}, Dependencies: []string{"react-scripts"}},
	{Name: "Express.js", Slug: "express", Ecosystem: EcosystemNode, Runtime: "node", BuildCommand: "npm install --omit=dev", Port: 3000, Role: RoleBackend, HealthPath: "/health",
		EnvVars: append([]string{"DATABASE_URL", "CORS_ORIGIN"}, nodeEnv...), Dependencies: []string{"express"}},
	{Name: "Fastify", Slug: "fastify", Ecosystem: EcosystemNode, Runtime: "node", BuildCommand: "npm install --omit=dev", Port: 3000, Role: RoleBackend, HealthPath: "/health",
		EnvVars: append([]string{"DATABASE_URL"}, nodeEnv...), Dependencies: []string{"fastify"}},
	{Name: "Koa", Slug: "koa", Ecosystem: EcosystemNode, Runtime: "node", BuildCommand: "npm install --omit=dev", Port: 3000, Role: RoleBackend, HealthPath: "/health",
		EnvVars: nodeEnv, Dependencies: []string{"koa"}},
	{Name: "Node.js", Slug: "node", Ecosystem: EcosystemNode, Runtime: "node", BuildCommand: "npm run build --if-present", Port: 3000, Role: RoleBackend, HealthPath: "/",
		EnvVars: nodeEnv},

	{Name: "Django", Slug: "django", Ecosystem: EcosystemPython, Runtime: "python", BuildCommand: "python manage.py collectstatic --noinput", Port: 8000, Role: RoleBackend, HealthPath: "/",
		EnvVars: []string{"DJANGO_SECRET_KEY", "DJANGO_DEBUG", "DJANGO_ALLOWED_HOSTS", "DATABASE_URL"}, Database: "postgres",
		Dependencies: []string{"django"}, Markers: []string{"manage.py"}},
	{Name: "FastAPI", Slug: "fastapi", Ecosystem: EcosystemPython, Runtime: "python", BuildCommand: "pip install --no-cache-dir -r requirements.txt", Port: 8000, Role: RoleBackend, HealthPath: "/docs",
		EnvVars: []string{"DATABASE_URL", "SECRET_KEY"}, Dependencies: []string{"fastapi"}},
	{Name: "Flask", Slug: "flask", Ecosystem: EcosystemPython, Runtime: "python", BuildCommand: "pip install --no-cache-dir -r requirements.txt", Port: 5000, Role: RoleBackend, HealthPath: "/",
		EnvVars: []string{"FLASK_ENV", "SECRET_KEY", "DATABASE_URL"}, Dependencies: []string{"flask"}},
	{Name: "Python", Slug: "python", Ecosystem: EcosystemPython, Runtime: "python", BuildCommand: "pip install --no-cache-dir -r requirements.txt", Port: 8000, Role: RoleBackend, HealthPath: "/",
		EnvVars: []string{"PYTHONUNBUFFERED"}},

	{Name: "Gin", Slug: "gin", Ecosystem: EcosystemGo, Runtime: "go", BuildCommand: "go build -o /out/app .", Port: 8080, Role: RoleBackend, HealthPath: "/health",
		EnvVars: []string{"GIN_MODE", "PORT", "DATABASE_URL"}, Dependencies: []string{"github.com/gin-gonic/gin"}},
	{Name: "Echo", Slug: "echo", Ecosystem: EcosystemGo, Runtime: "go", BuildCommand: "go build -o /out/app .", Port: 8080, Role: RoleBackend, HealthPath: "/health",
		EnvVars: []string{"PORT", "DATABASE_URL"}, Dependencies: []string{"github.com/labstack/echo"}},
	{Name: "Fiber", Slug: "fiber", Ecosystem: EcosystemGo, Runtime: "go", BuildCommand: "go build -o /out/app .", Port: 3000, Role: RoleBackend, HealthPath: "/health",
		EnvVars: []string{"PORT", "DATABASE_URL"}, Dependencies: []string{"github.com/gofiber/fiber"}},
	{Name: "Go", Slug: "go", Ecosystem: EcosystemGo, Runtime: "go", BuildCommand: "go build -o /out/app .", Port: 8080, Role: RoleBackend, HealthPath: "/",
		EnvVars: []string{"PORT"}},

	{Name: "Laravel", Slug: "laravel", Ecosystem: EcosystemPHP, Runtime: "php", BuildCommand: "composer install --no-dev --optimize-autoloader", Port: 8000, Role: RoleBackend, HealthPath: "/up",
		EnvVars: []string{"APP_KEY", "APP_ENV", "DB_CONNECTION", "DB_HOST", "DB_DATABASE", "DB_USERNAME", "DB_PASSWORD"}, Database: "mysql",
		Dependencies: []string{"laravel/framework"}, Markers: []string{"artisan"}},
	{Name: "Symfony", Slug: "symfony", Ecosystem: EcosystemPHP, Runtime: "php", BuildCommand: "composer install --no-dev --optimize-autoloader", Port: 8000, Role: RoleBackend, HealthPath: "/",
		EnvVars: []string{"APP_ENV", "APP_SECRET", "DATABASE_URL"}, Dependencies: []string{"symfony/framework-bundle"}},
	{Name: "PHP", Slug: "php", Ecosystem: EcosystemPHP, Runtime: "php", BuildCommand: "composer install --no-dev", Port: 8000, Role: RoleBackend, HealthPath: "/",
		EnvVars: []string{"APP_ENV"}},

	{Name: "Ruby on Rails", Slug: "rails", Ecosystem: EcosystemRuby, Runtime: "ruby", BuildCommand: "bundle exec rails assets:precompile", Port: 3000, Role: RoleBackend, HealthPath: "/up",
		EnvVars: []string{"RAILS_ENV", "SECRET_KEY_BASE", "DATABASE_URL", "RAILS_LOG_TO_STDOUT"}, Database: "postgres",
		Dependencies: []string{"rails"}},
	{Name: "Sinatra", Slug: "sinatra", Ecosystem: EcosystemRuby, Runtime: "ruby", BuildCommand: "bundle install", Port: 4567, Role: RoleBackend, HealthPath: "/",
		EnvVars: []string{"RACK_ENV"}, Dependencies: []string{"sinatra"}},
	{Name: "Ruby", Slug: "ruby", Ecosystem: EcosystemRuby, Runtime: "ruby", BuildCommand: "bundle install", Port: 3000, Role: RoleBackend, HealthPath: "/",
		EnvVars: []string{"RACK_ENV"}},

	{Name: "Spring Boot", Slug: "spring-boot", Ecosystem: EcosystemJava, Runtime: "java", BuildCommand: "mvn -B package -DskipTests", Port: 8080, Role: RoleBackend, HealthPath: "/actuator/health",
		EnvVars: []string{"SPRING_PROFILES_ACTIVE", "SPRING_DATASOURCE_URL", "SERVER_PORT"}, Dependencies: []string{"spring-boot"}},
	{Name: "Java", Slug: "java", Ecosystem: EcosystemJava, Runtime: "java", BuildCommand: "mvn -B package -DskipTests", Port: 8080, Role: RoleBackend, HealthPath: "/",
		EnvVars: []string{"JAVA_OPTS"}},

	{Name: "Actix Web", Slug: "actix", Ecosystem: EcosystemRust, Runtime: "rust", BuildCommand: "cargo build --release", Port: 8080, Role: RoleBackend, HealthPath: "/health",
		EnvVars: []string{"RUST_LOG", "DATABASE_URL"}, Dependencies: []string{"actix-web"}},
	{Name: "Axum", Slug: "axum", Ecosystem: EcosystemRust, Runtime: "rust", BuildCommand: "cargo build --release", Port: 3000, Role: RoleBackend, HealthPath: "/health",
		EnvVars: []string{"RUST_LOG", "DATABASE_URL"}, Dependencies: []string{"axum"}},
	{Name: "Rocket", Slug: "rocket", Ecosystem: EcosystemRust, Runtime: "rust", BuildCommand: "cargo build --release", Port: 8000, Role: RoleBackend, HealthPath: "/",
		EnvVars: []string{"ROCKET_ADDRESS", "ROCKET_PORT"}, Dependencies: []string{"rocket"}},
	{Name: "Rust", Slug: "rust", Ecosystem: EcosystemRust, Runtime: "rust", BuildCommand: "cargo build --release", Port: 8080, Role: RoleBackend, HealthPath: "/",
		EnvVars: []string{"RUST_LOG"}},

	{Name: "ASP.NET Core", Slug: "aspnet", Ecosystem: EcosystemDotnet, Runtime: "dotnet", BuildCommand: "dotnet publish -c Release -o /out", Port: 8080, Role: RoleBackend, HealthPath: "/health",
		EnvVars: []string{"ASPNETCORE_ENVIRONMENT", "ASPNETCORE_URLS", "ConnectionStrings__Default"}, Dependencies: []string{"microsoft.net.sdk.web"}},
	{Name: ".NET", Slug: "dotnet", Ecosystem: EcosystemDotnet, Runtime: "dotnet", BuildCommand: "dotnet publish -c Release -o /out", Port: 8080, Role: RoleBackend, HealthPath: "/",
		EnvVars: []string{"DOTNET_ENVIRONMENT"}},

	{Name: "Static Site", Slug: "static", Ecosystem: EcosystemStatic, Runtime: "static", Port: 80, IsStatic: true, Role: RoleFrontend, OutputDirectory: "."},
}

// Lookup returns the catalog entry for a technology name, case-insensitively.
func Lookup(name string) (Technology, bool) {
	for _, tech := range catalog {
		if strings.EqualFold(tech.Name, strings.TrimSpace(name)) {
			return tech, true
		}
	}
	return Technology{}, false
}

// Technologies returns a copy of the catalog in precedence order.
func Technologies() []Technology {
	out := make([]Technology, len(catalog))
	copy(out, catalog)
	return out
}

func identify(eco Ecosystem, ev *evidence) (Technology, bool) {
	for _, tech := range catalog {
		if tech.Ecosystem != eco {
			continue
		}
		if tech.matches(ev) {
			return tech, true
		}
	}
	return Technology{}, false
}
