package tools

import (
	"fmt"
	"strings"
)

// packageJSON is written in key order, so it is a struct.
type packageJSON struct {
	Name            string            `json:"name"`
	Private         bool              `json:"private"`
	Version         string            `json:"version"`
	Type            string            `json:"type"`
	Scripts         orderedScripts    `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

type orderedScripts struct {
	Dev     string `json:"dev"`
	Build   string `json:"build"`
	Preview string `json:"preview"`
}

func newPackageJSON(name string) packageJSON {
	return packageJSON{
		Name:    name,
		Private: true,
		Version: "0.1.0",
		Type:    "module",
		Scripts: orderedScripts{
			Dev:     "vite",
			Build:   "tsc && vite build",
			Preview: "vite preview",
		},
		Dependencies: map[string]string{
			"react":     "^18.3.1",
			"react-dom": "^18.3.1",
		},
		DevDependencies: map[string]string{
			"@types/react":         "^18.3.1",
			"@types/react-dom":     "^18.3.0",
			"@vitejs/plugin-react": "^4.3.0",
			"typescript":           "^5.5.3",
			"vite":                 "^5.4.0",
			"tailwindcss":          "^3.4.1",
			"autoprefixer":         "^10.4.18",
			"postcss":              "^8.4.35",
		},
	}
}

type tsConfig struct {
	CompilerOptions tsCompilerOptions `json:"compilerOptions"`
	Include         []string          `json:"include"`
}

type tsCompilerOptions struct {
	Target                     string   `json:"target"`
	UseDefineForClassFields    bool     `json:"useDefineForClassFields"`
	Lib                        []string `json:"lib"`
	Module                     string   `json:"module"`
	SkipLibCheck               bool     `json:"skipLibCheck"`
	ModuleResolution           string   `json:"moduleResolution"`
	AllowImportingTsExtensions bool     `json:"allowImportingTsExtensions"`
	ResolveJSONModule          bool     `json:"resolveJsonModule"`
	IsolatedModules            bool     `json:"isolatedModules"`
	NoEmit                     bool     `json:"noEmit"`
	JSX                        string   `json:"jsx"`
	Strict                     bool     `json:"strict"`
	NoUnusedLocals             bool     `json:"noUnusedLocals"`
	NoUnusedParameters         bool     `json:"noUnusedParameters"`
	NoFallthroughCasesInSwitch bool     `json:"noFallthroughCasesInSwitch"`
}

var defaultTSConfig = tsConfig{
	CompilerOptions: tsCompilerOptions{
		Target:                     "ES2020",
		UseDefineForClassFields:    true,
		Lib:                        []string{"ES2020", "DOM", "DOM.Iterable"},
		Module:                     "ESNext",
		SkipLibCheck:               true,
		ModuleResolution:           "bundler",
		AllowImportingTsExtensions: true,
		ResolveJSONModule:          true,
		IsolatedModules:            true,
		NoEmit:                     true,
		JSX:                        "react-jsx",
		Strict:                     true,
		NoUnusedLocals:             true,
		NoUnusedParameters:         true,
		NoFallthroughCasesInSwitch: true,
	},
	Include: []string{"src"},
}

const viteConfig = `import { defineConfig } from 'vite'
import react from '@vitejs/plugin-react'

export default defineConfig({
  plugins: [react()],
  server: {
    host: '0.0.0.0',
    port: 5173
  }
})`

const tailwindConfig = `/** @type {import('tailwindcss').Config} */
export default {
  content: [
    "./index.html",
    "./src/**/*.{js,ts,jsx,tsx}",
  ],
  theme: {
    extend: {},
  },
  plugins: [],
}`

const postcssConfig = `export default {
  plugins: {
    tailwindcss: {},
    autoprefixer: {},
  },
}`

const mainTSX = `import React from 'react'
import ReactDOM from 'react-dom/client'
import App from './App.tsx'
import './index.css'

ReactDOM.createRoot(document.getElementById('root')!).render(
  <React.StrictMode>
    <App />
  </React.StrictMode>,
)`

const indexCSS = `@tailwind base;
@tailwind components;
@tailwind utilities;

body {
  margin: 0;
  font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', 'Roboto', 'Oxygen',
    'Ubuntu', 'Cantarell', 'Fira Sans', 'Droid Sans', 'Helvetica Neue',
    sans-serif;
  -webkit-font-smoothing: antialiased;
  -moz-osx-font-smoothing: grayscale;
}`

func indexHTML(title string) string {
	return `<!doctype html>
<html lang="en">
  <head>
    <meta charset="UTF-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1.0" />
    <title>` + title + `</title>
  </head>
  <body>
    <div id="root"></div>
    <script type="module" src="/src/main.tsx"></script>
  </body>
</html>`
}

func appTSX(name, description string, features []string) string {
	items := make([]string, len(features))
	for i, f := range features {
		items[i] = fmt.Sprintf(`<li className="text-gray-600">• %s</li>`, f)
	}
	return `import { useState } from 'react'

function App() {
  return (
    <div className="min-h-screen bg-gradient-to-br from-blue-50 to-indigo-100 flex items-center justify-center p-4">
      <div className="max-w-2xl w-full bg-white rounded-2xl shadow-xl p-8">
        <h1 className="text-4xl font-bold text-gray-900 mb-4">
          ` + name + `
        </h1>
        <p className="text-gray-600 mb-6">
          ` + description + `
        </p>
        <div className="space-y-2">
          <h2 className="text-xl font-semibold text-gray-800">Planned Features:</h2>
          <ul className="space-y-1">
            ` + strings.Join(items, "\n            ") + `
          </ul>
        </div>
        <div className="mt-8 p-4 bg-blue-50 rounded-lg">
          <p className="text-sm text-blue-800">
            🎉 Your React app scaffold is ready! Ask me to add features and components.
          </p>
        </div>
      </div>
    </div>
  )
}

export default App`
}
