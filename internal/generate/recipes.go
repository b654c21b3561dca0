package generate

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/splax/imageforge/internal/detect"
)

// Marker is written into every generated Dockerfile. A Dockerfile without it
// belongs to the user and is never replaced.
const Marker = "# Generated by imageforge. Delete this line to keep manual edits."

// recipe maps an application to a Dockerfile template. Exactly one of name,
// prefix or runtime is set; the table is searched in that order.
type recipe struct {
	name     string
	prefix   string
	runtime  string
	template string
}

var recipes = []recipe{
	{name: "Next.js", template: "next"},
	{name: "Nuxt", template: "nuxt"},
	{name: "SvelteKit", template: "sveltekit"},
	{name: "Remix", template: "node-start"},
	{name: "NestJS", template: "nestjs"},
	{name: "Django", template: "django"},
	{name: "FastAPI", template: "fastapi"},
	{name: "Flask", template: "flask"},
	{name: "Laravel", template: "laravel"},
	{name: "Ruby on Rails", template: "rails"},
	{name: "Static Site", template: "static"},

	{prefix: "React", template: "node-static"},
	{prefix: "Create React App", template: "node-static"},
	{prefix: "Vue", template: "node-static"},
	{prefix: "Svelte", template: "node-static"},
	{prefix: "Angular", template: "node-static"},
	{prefix: "Astro", template: "node-static"},
	{prefix: "Gatsby", template: "node-static"},
	{prefix: "Spring", template: "java"},
	{prefix: "ASP.NET", template: "dotnet"},

	{runtime: "node", template: "node"},
	{runtime: "python", template: "python"},
	{runtime: "go", template: "go"},
	{runtime: "php", template: "php"},
	{runtime: "ruby", template: "ruby"},
	{runtime: "java", template: "java"},
	{runtime: "rust", template: "rust"},
	{runtime: "dotnet", template: "dotnet"},
	{runtime: "static", template: "static"},
}

const genericTemplate = "generic"

// selectRecipe returns the template name for an application.
func selectRecipe(app detect.Application) string {
	for _, r := range recipes {
		if r.name != "" && strings.EqualFold(r.name, app.Name) {
			return r.template
		}
	}
	for _, r := range recipes {
		if r.prefix != "" && strings.HasPrefix(strings.ToLower(app.Name), strings.ToLower(r.prefix)) {
			return r.template
		}
	}
	for _, r := range recipes {
		if r.runtime != "" && strings.EqualFold(r.runtime, app.Runtime) {
			return r.template
		}
	}
	return genericTemplate
}

type recipeData struct {
	Marker          string
	Name            string
	Runtime         string
	BuildCommand    string
	Port            int
	OutputDirectory string
	ManifestCopy    string
	InstallCommand  string
	StartExec       string
}

func newRecipeData(app detect.Application) recipeData {
	data := recipeData{
		Marker:          Marker,
		Name:            app.Name,
		Runtime:         app.Runtime,
		BuildCommand:    strings.TrimSpace(app.BuildCommand),
		Port:            app.Port,
		OutputDirectory: strings.Trim(app.OutputDirectory, "/"),
	}
	if data.Port <= 0 {
		data.Port = 8080
	}
	if data.OutputDirectory == "" {
		data.OutputDirectory = "."
	}
	switch app.PackageManager {
	case detect.PackageManagerYarn:
		data.ManifestCopy = "COPY package.json yarn.lock ./"
		data.InstallCommand = "corepack enable && yarn install --frozen-lockfile"
		data.StartExec = `["yarn", "start"]`
	case detect.PackageManagerPNPM:
		data.ManifestCopy = "COPY package.json pnpm-lock.yaml ./"
		data.InstallCommand = "corepack enable && pnpm install --frozen-lockfile"
		data.StartExec = `["pnpm", "run", "start"]`
	default:
		data.ManifestCopy = "COPY package*.json ./"
		data.InstallCommand = "if [ -f package-lock.json ] || [ -f npm-shrinkwrap.json ]; then npm ci; else npm install; fi"
		data.StartExec = `["npm", "run", "start"]`
	}
	return data
}

// renderDockerfile produces the Dockerfile for an application.
func renderDockerfile(app detect.Application) ([]byte, error) {
	name := selectRecipe(app)
	var buf bytes.Buffer
	if err := dockerfileTemplates.ExecuteTemplate(&buf, name, newRecipeData(app)); err != nil {
		return nil, fmt.Errorf("render %s dockerfile: %w", name, err)
	}
	return buf.Bytes(), nil
}

var dockerfileTemplates = template.Must(template.New("dockerfiles").Parse(dockerfileSource))

const dockerfileSource = `
{{- define "header" -}}
# syntax=docker/dockerfile:1
{{.Marker}}
{{end -}}

{{- define "node-deps" -}}
FROM node:20-alpine AS deps
WORKDIR /app
{{.ManifestCopy}}
RUN {{.InstallCommand}}

FROM node:20-alpine AS builder
WORKDIR /app
COPY --from=deps /app/node_modules ./node_modules
COPY . .
{{- if .BuildCommand}}
RUN {{.BuildCommand}}
{{- end}}
{{end -}}

{{- define "next" -}}
{{template "header" .}}
{{- template "node-deps" . -}}
RUN mkdir -p public

FROM node:20-alpine AS runner
WORKDIR /app
ENV NODE_ENV=production
ENV NEXT_TELEMETRY_DISABLED=1
ENV PORT={{.Port}}
ENV HOSTNAME=0.0.0.0
RUN addgroup --system --gid 1001 nodejs && adduser --system --uid 1001 nextjs
COPY --from=builder --chown=nextjs:nodejs /app/public ./public
COPY --from=builder --chown=nextjs:nodejs /app/.next/standalone ./
COPY --from=builder --chown=nextjs:nodejs /app/.next/static ./.next/static
USER nextjs
EXPOSE {{.Port}}
CMD ["node", "server.js"]
{{end -}}

{{- define "nuxt" -}}
{{template "header" .}}
{{- template "node-deps" .}}
FROM node:20-alpine AS runner
WORKDIR /app
ENV NODE_ENV=production
ENV HOST=0.0.0.0
ENV PORT={{.Port}}
COPY --from=builder /app/.output ./.output
EXPOSE {{.Port}}
CMD ["node", ".output/server/index.mjs"]
{{end -}}

{{- define "sveltekit" -}}
{{template "header" .}}
{{- template "node-deps" .}}
FROM node:20-alpine AS runner
WORKDIR /app
ENV NODE_ENV=production
ENV PORT={{.Port}}
COPY --from=builder /app/package.json ./package.json
COPY --from=builder /app/node_modules ./node_modules
COPY --from=builder /app/{{.OutputDirectory}} ./{{.OutputDirectory}}
EXPOSE {{.Port}}
CMD ["node", "{{.OutputDirectory}}"]
{{end -}}

{{- define "nestjs" -}}
{{template "header" .}}
{{- template "node-deps" .}}
FROM node:20-alpine AS runner
WORKDIR /app
ENV NODE_ENV=production
ENV PORT={{.Port}}
COPY --from=builder /app/package.json ./package.json
COPY --from=builder /app/node_modules ./node_modules
COPY --from=builder /app/dist ./dist
EXPOSE {{.Port}}
CMD ["node", "dist/main.js"]
{{end -}}

{{- define "node-start" -}}
{{template "header" .}}
{{- template "node-deps" .}}
FROM node:20-alpine AS runner
WORKDIR /app
ENV NODE_ENV=production
ENV PORT={{.Port}}
COPY --from=builder /app ./
EXPOSE {{.Port}}
CMD {{.StartExec}}
{{end -}}

{{- define "node" -}}
{{template "node-start" .}}
{{- end -}}

{{- define "node-static" -}}
{{template "header" .}}
{{- template "node-deps" .}}
FROM nginx:1.27-alpine AS runner
COPY nginx.conf /etc/nginx/conf.d/default.conf
COPY --from=builder /app/{{.OutputDirectory}} /usr/share/nginx/html
EXPOSE 80
CMD ["nginx", "-g", "daemon off;"]
{{end -}}

{{- define "static" -}}
{{template "header" .}}
FROM alpine:3.20 AS assets
WORKDIR /site
COPY . .
RUN rm -f Dockerfile .dockerignore nginx.conf .env.example

FROM nginx:1.27-alpine AS runner
COPY nginx.conf /etc/nginx/conf.d/default.conf
COPY --from=assets /site/{{.OutputDirectory}} /usr/share/nginx/html
EXPOSE 80
CMD ["nginx", "-g", "daemon off;"]
{{end -}}

{{- define "python-deps" -}}
FROM python:3.12-slim AS builder
WORKDIR /app
ENV PIP_DISABLE_PIP_VERSION_CHECK=1 PIP_NO_CACHE_DIR=1
RUN python -m venv /opt/venv
ENV PATH="/opt/venv/bin:$PATH"
COPY . .
RUN if [ -f requirements.txt ]; then pip install -r requirements.txt; \
    elif [ -f pyproject.toml ]; then pip install .; \
    elif [ -f Pipfile ]; then pip install pipenv && pipenv requirements > /tmp/requirements.txt && pip install -r /tmp/requirements.txt; fi
{{end -}}

{{- define "python-runtime" -}}
FROM python:3.12-slim AS runner
WORKDIR /app
ENV PATH="/opt/venv/bin:$PATH" PYTHONUNBUFFERED=1 PORT={{.Port}}
COPY --from=builder /opt/venv /opt/venv
COPY . .
{{end -}}

{{- define "django" -}}
{{template "header" .}}
{{- template "python-deps" .}}RUN pip install gunicorn

{{template "python-runtime" .}}RUN {{.BuildCommand}} || true
EXPOSE {{.Port}}
CMD ["sh", "-c", "gunicorn --bind 0.0.0.0:${PORT} $(basename $(dirname $(find . -maxdepth 2 -name wsgi.py | head -n 1))).wsgi:application"]
{{end -}}

{{- define "fastapi" -}}
{{template "header" .}}
{{- template "python-deps" .}}RUN pip install "uvicorn[standard]"

{{template "python-runtime" .}}EXPOSE {{.Port}}
CMD ["sh", "-c", "uvicorn ${APP_MODULE:-main:app} --host 0.0.0.0 --port ${PORT}"]
{{end -}}

{{- define "flask" -}}
{{template "header" .}}
{{- template "python-deps" .}}RUN pip install gunicorn

{{template "python-runtime" .}}EXPOSE {{.Port}}
CMD ["sh", "-c", "gunicorn --bind 0.0.0.0:${PORT} ${APP_MODULE:-app:app}"]
{{end -}}

{{- define "python" -}}
{{template "header" .}}
{{- template "python-deps" .}}
{{template "python-runtime" .}}EXPOSE {{.Port}}
CMD ["sh", "-c", "python ${APP_ENTRY:-main.py}"]
{{end -}}

{{- define "go" -}}
{{template "header" .}}
FROM golang:1.24 AS builder
WORKDIR /src
COPY go.* ./
RUN go mod download
COPY . .
RUN mkdir -p /out && CGO_ENABLED=0 GOOS=linux {{if .BuildCommand}}{{.BuildCommand}}{{else}}go build -o /out/app .{{end}}

FROM debian:bookworm-slim AS runner
WORKDIR /app
RUN apt-get update && apt-get install -y --no-install-recommends ca-certificates && rm -rf /var/lib/apt/lists/*
COPY --from=builder /out/app ./app
ENV PORT={{.Port}}
EXPOSE {{.Port}}
CMD ["./app"]
{{end -}}

{{- define "laravel" -}}
{{template "header" .}}
FROM composer:2 AS vendor
WORKDIR /app
COPY composer.json composer.lock* ./
RUN composer install --no-dev --no-scripts --prefer-dist --no-interaction

FROM php:8.3-cli AS runner
WORKDIR /app
RUN docker-php-ext-install pdo_mysql
COPY --from=vendor /app/vendor ./vendor
COPY . .
RUN php artisan package:discover --ansi || true
ENV PORT={{.Port}}
EXPOSE {{.Port}}
CMD ["sh", "-c", "php artisan serve --host=0.0.0.0 --port=${PORT}"]
{{end -}}

{{- define "php" -}}
{{template "header" .}}
FROM composer:2 AS vendor
WORKDIR /app
COPY composer.json composer.lock* ./
RUN composer install --no-dev --prefer-dist --no-interaction

FROM php:8.3-cli AS runner
WORKDIR /app
COPY --from=vendor /app/vendor ./vendor
COPY . .
ENV PORT={{.Port}}
EXPOSE {{.Port}}
CMD ["sh", "-c", "php -S 0.0.0.0:${PORT} -t $([ -d public ] && echo public || echo .)"]
{{end -}}

{{- define "ruby-deps" -}}
FROM ruby:3.3 AS builder
WORKDIR /app
ENV BUNDLE_WITHOUT=development:test BUNDLE_PATH=/usr/local/bundle
COPY Gemfile* ./
RUN gem install bundler && bundle install --jobs 4 --retry 3
COPY . .
{{end -}}

{{- define "rails" -}}
{{template "header" .}}
{{- template "ruby-deps" .}}RUN SECRET_KEY_BASE=placeholder {{.BuildCommand}} || true

FROM ruby:3.3-slim AS runner
WORKDIR /app
ENV RAILS_ENV=production RAILS_LOG_TO_STDOUT=1 BUNDLE_WITHOUT=development:test BUNDLE_PATH=/usr/local/bundle
RUN apt-get update && apt-get install -y --no-install-recommends libpq5 && rm -rf /var/lib/apt/lists/*
COPY --from=builder /usr/local/bundle /usr/local/bundle
COPY --from=builder /app /app
EXPOSE {{.Port}}
CMD ["bundle", "exec", "rails", "server", "-b", "0.0.0.0", "-p", "{{.Port}}"]
{{end -}}

{{- define "ruby" -}}
{{template "header" .}}
{{- template "ruby-deps" .}}
FROM ruby:3.3-slim AS runner
WORKDIR /app
ENV BUNDLE_WITHOUT=development:test BUNDLE_PATH=/usr/local/bundle
COPY --from=builder /usr/local/bundle /usr/local/bundle
COPY --from=builder /app /app
ENV PORT={{.Port}}
EXPOSE {{.Port}}
CMD ["bundle", "exec", "rackup", "-o", "0.0.0.0", "-p", "{{.Port}}"]
{{end -}}

{{- define "java" -}}
{{template "header" .}}
FROM maven:3.9-eclipse-temurin-21 AS builder
WORKDIR /workspace
COPY . .
RUN if [ -f gradlew ]; then \
      chmod +x gradlew && ./gradlew clean build -x test --no-daemon && \
      cp "$(find build/libs -name '*.jar' ! -name '*plain*' | head -n 1)" /workspace/app.jar; \
    else \
      mvn -B package -DskipTests && cp "$(ls -1 target/*.jar | head -n 1)" /workspace/app.jar; \
    fi

FROM eclipse-temurin:21-jre AS runner
WORKDIR /app
COPY --from=builder /workspace/app.jar /app/app.jar
ENV PORT={{.Port}} SERVER_PORT={{.Port}}
EXPOSE {{.Port}}
CMD ["java", "-jar", "/app/app.jar"]
{{end -}}

{{- define "rust" -}}
{{template "header" .}}
FROM rust:1.82 AS builder
WORKDIR /app
COPY . .
RUN {{if .BuildCommand}}{{.BuildCommand}}{{else}}cargo build --release{{end}} && \
    cp "$(find target/release -maxdepth 1 -type f -perm -u+x | head -n 1)" /app/server

FROM debian:bookworm-slim AS runner
RUN apt-get update && apt-get install -y --no-install-recommends ca-certificates && rm -rf /var/lib/apt/lists/*
COPY --from=builder /app/server /usr/local/bin/server
ENV PORT={{.Port}}
EXPOSE {{.Port}}
CMD ["server"]
{{end -}}

{{- define "dotnet" -}}
{{template "header" .}}
FROM mcr.microsoft.com/dotnet/sdk:8.0 AS builder
WORKDIR /src
COPY . .
RUN dotnet publish -c Release -o /out && \
    basename "$(ls /out/*.runtimeconfig.json | head -n 1)" .runtimeconfig.json > /out/.entrypoint

FROM mcr.microsoft.com/dotnet/aspnet:8.0 AS runner
WORKDIR /app
COPY --from=builder /out .
ENV ASPNETCORE_URLS=http://0.0.0.0:{{.Port}}
EXPOSE {{.Port}}
CMD ["sh", "-c", "dotnet $(cat /app/.entrypoint).dll"]
{{end -}}

{{- define "generic" -}}
{{template "header" .}}
FROM debian:bookworm-slim AS builder
WORKDIR /app
COPY . .
{{- if .BuildCommand}}
RUN {{.BuildCommand}}
{{- end}}

FROM debian:bookworm-slim AS runner
WORKDIR /app
COPY --from=builder /app /app
ENV PORT={{.Port}}
EXPOSE {{.Port}}
CMD ["sh", "-c", "./start.sh"]
{{end -}}
`
