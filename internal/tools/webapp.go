package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nugget/vektra-agent/internal/sandbox"
)

func sandboxIDParam(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func stringArrayParam(desc string) map[string]any {
	return map[string]any{
		"type":        "array",
		"items":       map[string]any{"type": "string"},
		"description": desc,
	}
}

func (r *Registry) registerWebAppTools() {
	if r.sandboxes == nil {
		return
	}

	r.Register(&Tool{
		Name:        "createReactApp",
		Description: "Creates a new production-ready React application with Vite, TypeScript, and Tailwind CSS. Use this when the user wants to build a new web app. This is PHASE 1: Initial scaffold and project setup.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"projectName": map[string]any{"type": "string", "description": "Name of the project (e.g., 'todo-app', 'portfolio')"},
				"description": map[string]any{"type": "string", "description": "Description of what the app should do"},
				"features":    stringArrayParam("List of features to implement (e.g., ['dark mode', 'authentication', 'responsive design'])"),
			},
			"required": []string{"projectName", "description", "features"},
		},
		ProducesFiles: true,
		Handler:       r.handleCreateReactApp,
	})

	r.Register(&Tool{
		Name:        "addReactComponent",
		Description: "Adds or updates a React component in the application. Use this for PHASE 2-3: Building features and components. Can create functional components with hooks, state management, and TypeScript types.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"sandboxId":     sandboxIDParam("The sandbox ID of the React app"),
				"componentName": map[string]any{"type": "string", "description": "Name of the component (e.g., 'TodoList', 'Header', 'LoginForm')"},
				"componentCode": map[string]any{"type": "string", "description": "Complete React component code with TypeScript"},
				"imports":       stringArrayParam("Additional dependencies to install (e.g., ['@heroicons/react', 'framer-motion'])"),
				"updateApp":     map[string]any{"type": "boolean", "description": "Whether to update App.tsx to use this component"},
			},
			"required": []string{"sandboxId", "componentName", "componentCode"},
		},
		Handler: r.handleAddReactComponent,
	})

	r.Register(&Tool{
		Name:        "updateReactFile",
		Description: "Updates any file in the React application. Use this for iterative refinement and modifications. Can update components, add new features, fix bugs, or improve styling.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"sandboxId": sandboxIDParam("The sandbox ID of the React app"),
				"filePath":  map[string]any{"type": "string", "description": "Path to the file to update (e.g., 'src/App.tsx', 'src/components/Header.tsx')"},
				"content":   map[string]any{"type": "string", "description": "The new content for the file"},
			},
			"required": []string{"sandboxId", "filePath", "content"},
		},
		Handler: r.handleUpdateReactFile,
	})

	r.Register(&Tool{
		Name:        "buildReactApp",
		Description: "Builds the React application for production. Use this for PHASE 4: Production build and optimization. Creates optimized, minified bundles ready for deployment.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"sandboxId": sandboxIDParam("The sandbox ID of the React app"),
			},
			"required": []string{"sandboxId"},
		},
		Handler: r.handleBuildReactApp,
	})

	r.Register(&Tool{
		Name:        "readReactFile",
		Description: "Reads any file from the React application. Use this to review existing code before making changes or to understand the current state of the app.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"sandboxId": sandboxIDParam("The sandbox ID of the React app"),
				"filePath":  map[string]any{"type": "string", "description": "Path to the file to read (e.g., 'src/App.tsx')"},
			},
			"required": []string{"sandboxId", "filePath"},
		},
		Handler: r.handleReadReactFile,
	})

	r.Register(&Tool{
		Name:        "installPackages",
		Description: "Installs npm packages in the React application. Use this to add new libraries, UI frameworks, state management tools, or any other dependencies.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"sandboxId": sandboxIDParam("The sandbox ID of the React app"),
				"packages":  stringArrayParam("Array of npm packages to install (e.g., ['zustand', 'react-router-dom', '@radix-ui/react-dialog'])"),
			},
			"required": []string{"sandboxId", "packages"},
		},
		Handler: r.handleInstallPackages,
	})

	r.registerCommandTool("createDatabase", "Creates a new database in the sandbox.",
		map[string]any{"dbName": map[string]any{"type": "string", "description": "The name of the database to create"}},
		func(args map[string]any) string { return "createdb " + sandbox.ShellQuote(stringArg(args, "dbName")) },
		func(args map[string]any, _ sandbox.ExecResult) string {
			return fmt.Sprintf("Database %s created successfully.", stringArg(args, "dbName"))
		},
		"Error creating database", "creating database")

	r.registerCommandTool("gitInit", "Initializes a git repository in the sandbox.",
		nil,
		func(map[string]any) string { return "git init" },
		func(map[string]any, sandbox.ExecResult) string { return "Git repository initialized successfully." },
		"Error initializing git repository", "initializing git repository")

	r.registerCommandTool("gitCommit", "Commits changes to the git repository.",
		map[string]any{"commitMessage": map[string]any{"type": "string", "description": "The commit message"}},
		func(args map[string]any) string {
			return "git add -A && git commit -m " + sandbox.ShellQuote(stringArg(args, "commitMessage"))
		},
		func(map[string]any, sandbox.ExecResult) string { return "Changes committed successfully." },
		"Error committing changes", "committing changes")

	r.registerCommandTool("gitPush", "Pushes changes to a remote git repository.",
		map[string]any{
			"remote": map[string]any{"type": "string", "description": "The remote to push to"},
			"branch": map[string]any{"type": "string", "description": "The branch to push"},
		},
		func(args map[string]any) string {
			return "git push " + sandbox.ShellQuote(stringArg(args, "remote")) + " " + sandbox.ShellQuote(stringArg(args, "branch"))
		},
		func(map[string]any, sandbox.ExecResult) string { return "Changes pushed successfully." },
		"Error pushing changes", "pushing changes")

	r.registerCommandTool("deployApp", "Deploys the web application.",
		map[string]any{"deployCommand": map[string]any{"type": "string", "description": "The command to deploy the app"}},
		func(args map[string]any) string { return stringArg(args, "deployCommand") },
		func(_ map[string]any, res sandbox.ExecResult) string { return "Deployment successful: " + res.Stdout },
		"Deployment failed", "deploying app")

	r.registerCommandTool("runTests", "Runs tests in the sandbox.",
		map[string]any{"testCommand": map[string]any{"type": "string", "description": "The command to run tests"}},
		func(args map[string]any) string { return stringArg(args, "testCommand") },
		func(_ map[string]any, res sandbox.ExecResult) string { return "Tests passed: " + res.Stdout },
		"Tests failed", "running tests")
}

// registerCommandTool adds a tool that runs one command in an existing
// sandbox. failLabel prefixes the stderr of a failed command; doing
// describes the step when the sandbox itself is unusable.
func (r *Registry) registerCommandTool(
	name, description string,
	props map[string]any,
	command func(args map[string]any) string,
	success func(args map[string]any, res sandbox.ExecResult) string,
	failLabel, doing string,
) {
	properties := map[string]any{"sandboxId": sandboxIDParam("The sandbox ID of the web app")}
	required := []string{"sandboxId"}
	for k, v := range props {
		properties[k] = v
		required = append(required, k)
	}

	r.Register(&Tool{
		Name:        name,
		Description: description,
		Parameters: map[string]any{
			"type":       "object",
			"properties": properties,
			"required":   required,
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			sb, err := r.openSandbox(ctx, stringArg(args, "sandboxId"))
			if err != nil {
				return "", failed(doing, err)
			}
			res := sb.Exec(ctx, command(args))
			if !res.Success {
				return "", commandFailed(failLabel, res.Stderr)
			}
			return success(args, res), nil
		},
	})
}

// openSandbox reattaches to a sandbox with the conversation's
// environment variables exported.
func (r *Registry) openSandbox(ctx context.Context, id string) (sandbox.Sandbox, error) {
	sb, err := r.sandboxes.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.withEnv(ctx, sb), nil
}

func (r *Registry) withEnv(ctx context.Context, sb sandbox.Sandbox) sandbox.Sandbox {
	if r.envSource == nil {
		return sb
	}
	env, err := r.envSource(ctx, ConversationIDFromContext(ctx))
	if err != nil {
		r.logger.Warn("environment lookup failed; running without project variables",
			"sandbox", sb.ID(), "error", err)
		return sb
	}
	return sandbox.WithEnv(sb, env)
}

// encodeJSON marshals without HTML escaping so shell operators and JSX
// survive intact.
func encodeJSON(v any, indent bool) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if indent {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

type createAppResult struct {
	Success     bool           `json:"success"`
	Phase       string         `json:"phase"`
	SandboxID   string         `json:"sandboxId"`
	ProjectName string         `json:"projectName"`
	Description string         `json:"description"`
	Features    []string       `json:"features"`
	ProcessID   string         `json:"processId"`
	PreviewURL  string         `json:"previewUrl,omitempty"`
	Message     string         `json:"message"`
	Files       map[string]any `json:"files"`
	NextSteps   []string       `json:"nextSteps"`
}

func (r *Registry) handleCreateReactApp(ctx context.Context, args map[string]any) (string, error) {
	name := stringArg(args, "projectName")
	description := stringArg(args, "description")
	features := stringSliceArg(args, "features")
	if features == nil {
		features = []string{}
	}

	id := sandbox.NewID("react", name, r.now())
	created, err := r.sandboxes.Create(ctx, id)
	if err != nil {
		return "", failed("creating React app", err)
	}
	sb := r.withEnv(ctx, created)

	pkg := newPackageJSON(name)
	pkgText, err := encodeJSON(pkg, true)
	if err != nil {
		return "", failed("creating React app", err)
	}
	tsText, err := encodeJSON(defaultTSConfig, true)
	if err != nil {
		return "", failed("creating React app", err)
	}
	html := indexHTML(name)
	app := appTSX(name, description, features)

	config := []struct{ path, content string }{
		{"package.json", pkgText},
		{"vite.config.ts", viteConfig},
		{"tsconfig.json", tsText},
		{"tailwind.config.js", tailwindConfig},
		{"postcss.config.js", postcssConfig},
		{"index.html", html},
	}
	for _, f := range config {
		if err := sb.WriteFile(ctx, f.path, f.content); err != nil {
			return "", failed("creating React app", err)
		}
	}
	if err := sb.Mkdir(ctx, "src", true); err != nil {
		return "", failed("creating React app", err)
	}
	source := []struct{ path, content string }{
		{"src/main.tsx", mainTSX},
		{"src/App.tsx", app},
		{"src/index.css", indexCSS},
	}
	for _, f := range source {
		if err := sb.WriteFile(ctx, f.path, f.content); err != nil {
			return "", failed("creating React app", err)
		}
	}

	if res := sb.Exec(ctx, "npm install"); !res.Success {
		return "", failed("installing dependencies", errors.New(res.Stderr))
	}

	dev, err := sb.StartProcess(ctx, "npm run dev", id+"-dev")
	if err != nil {
		return "", failed("creating React app", err)
	}
	r.logger.Info("react app created", "sandbox", id, "process", dev.ID)

	return encodeJSON(createAppResult{
		Success:     true,
		Phase:       "PHASE 1: Project Scaffold Complete",
		SandboxID:   id,
		ProjectName: name,
		Description: description,
		Features:    features,
		ProcessID:   dev.ID,
		PreviewURL:  sb.PreviewURL(),
		Message: "✅ React app created successfully! Development server is starting. Next, I can help you build out the features: " +
			strings.Join(features, ", "),
		Files: map[string]any{
			"package.json": pkg,
			"src/App.tsx":  app,
			"src/main.tsx": mainTSX,
			"index.html":   html,
		},
		NextSteps: []string{
			"Add React components for each feature",
			"Implement state management",
			"Add routing if needed",
			"Style components with Tailwind",
		},
	}, false)
}

type componentResult struct {
	Success       bool     `json:"success"`
	Phase         string   `json:"phase"`
	ComponentName string   `json:"componentName"`
	ComponentPath string   `json:"componentPath"`
	Message       string   `json:"message"`
	NextSteps     []string `json:"nextSteps"`
}

func (r *Registry) handleAddReactComponent(ctx context.Context, args map[string]any) (string, error) {
	name := stringArg(args, "componentName")
	imports := stringSliceArg(args, "imports")

	sb, err := r.openSandbox(ctx, stringArg(args, "sandboxId"))
	if err != nil {
		return "", failed("adding component", err)
	}

	if len(imports) > 0 {
		if res := sb.Exec(ctx, "npm install "+quoteAll(imports)); !res.Success {
			return "", failed("installing dependencies", errors.New(res.Stderr))
		}
	}

	// An existing directory is fine.
	_ = sb.Mkdir(ctx, "src/components", true)

	path := "src/components/" + name + ".tsx"
	if err := sb.WriteFile(ctx, path, stringArg(args, "componentCode")); err != nil {
		return "", failed("adding component", err)
	}

	if boolArg(args, "updateApp") {
		app, err := sb.ReadFile(ctx, "src/App.tsx")
		if err != nil {
			return "", failed("adding component", err)
		}
		importLine := fmt.Sprintf("import %s from './components/%s'", name, name)
		if err := sb.WriteFile(ctx, "src/App.tsx", importLine+"\n"+app); err != nil {
			return "", failed("adding component", err)
		}
	}

	msg := fmt.Sprintf("✅ Component %s added successfully! ", name)
	if imports != nil {
		msg += "Installed: " + strings.Join(imports, ", ")
	}
	return encodeJSON(componentResult{
		Success:       true,
		Phase:         "PHASE 2-3: Feature Development",
		ComponentName: name,
		ComponentPath: path,
		Message:       msg,
		NextSteps: []string{
			"Test the component",
			"Add more features",
			"Refine styling and UX",
			"Add error handling and edge cases",
		},
	}, false)
}

type updateResult struct {
	Success   bool     `json:"success"`
	Phase     string   `json:"phase"`
	FilePath  string   `json:"filePath"`
	Message   string   `json:"message"`
	NextSteps []string `json:"nextSteps"`
}

func (r *Registry) handleUpdateReactFile(ctx context.Context, args map[string]any) (string, error) {
	path := stringArg(args, "filePath")

	sb, err := r.openSandbox(ctx, stringArg(args, "sandboxId"))
	if err != nil {
		return "", failed("updating file", err)
	}
	if err := sb.WriteFile(ctx, path, stringArg(args, "content")); err != nil {
		return "", failed("updating file", err)
	}

	return encodeJSON(updateResult{
		Success:  true,
		Phase:    "Iterative Refinement",
		FilePath: path,
		Message:  fmt.Sprintf("✅ Updated %s successfully! The dev server will hot-reload automatically.", path),
		NextSteps: []string{
			"Review the changes in the preview",
			"Continue refining",
			"Add more features",
			"Prepare for production build",
		},
	}, false)
}

type buildResult struct {
	Success     bool     `json:"success"`
	Phase       string   `json:"phase"`
	Message     string   `json:"message"`
	BuildOutput string   `json:"buildOutput"`
	DistFiles   []string `json:"distFiles"`
	NextSteps   []string `json:"nextSteps"`
}

func (r *Registry) handleBuildReactApp(ctx context.Context, args map[string]any) (string, error) {
	sb, err := r.openSandbox(ctx, stringArg(args, "sandboxId"))
	if err != nil {
		return "", failed("building app", err)
	}

	res := sb.Exec(ctx, "npm run build")
	if !res.Success {
		return "", commandFailed("Build failed", res.Stderr)
	}

	files, err := sb.ListFiles(ctx, "dist")
	if err != nil {
		return "", failed("building app", err)
	}
	dist := make([]string, 0, len(files))
	for _, f := range files {
		dist = append(dist, f.RelativePath)
	}

	return encodeJSON(buildResult{
		Success:     true,
		Phase:       "PHASE 4: Production Build Complete",
		Message:     "✅ Production build successful! Your app is optimized and ready to deploy.",
		BuildOutput: res.Stdout,
		DistFiles:   dist,
		NextSteps: []string{
			"Deploy to Cloudflare Pages",
			"Deploy to Vercel or Netlify",
			"Share the preview URL",
			"Set up custom domain",
		},
	}, false)
}

func (r *Registry) handleReadReactFile(ctx context.Context, args map[string]any) (string, error) {
	sb, err := r.openSandbox(ctx, stringArg(args, "sandboxId"))
	if err != nil {
		return "", failed("reading file", err)
	}
	content, err := sb.ReadFile(ctx, stringArg(args, "filePath"))
	if err != nil {
		return "", failed("reading file", err)
	}
	return content, nil
}

type installResult struct {
	Success  bool     `json:"success"`
	Packages []string `json:"packages"`
	Message  string   `json:"message"`
}

func (r *Registry) handleInstallPackages(ctx context.Context, args map[string]any) (string, error) {
	packages := stringSliceArg(args, "packages")

	sb, err := r.openSandbox(ctx, stringArg(args, "sandboxId"))
	if err != nil {
		return "", failed("installing packages", err)
	}
	if res := sb.Exec(ctx, "npm install "+quoteAll(packages)); !res.Success {
		return "", commandFailed("Installation failed", res.Stderr)
	}

	return encodeJSON(installResult{
		Success:  true,
		Packages: packages,
		Message: fmt.Sprintf("✅ Installed packages: %s. You can now import and use them in your components!",
			strings.Join(packages, ", ")),
	}, false)
}

func quoteAll(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = sandbox.ShellQuote(a)
	}
	return strings.Join(quoted, " ")
}
