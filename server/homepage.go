package server

import (
	"net/http"
	"os"

	"github.com/alecthomas/template"
	"github.com/shutterbay/bundler/config"
	"github.com/shutterbay/bundler/models"
	"github.com/shutterbay/bundler/models/build_jobs"
)

type homepageData struct {
	Version string
	URL     string
	Counts  map[models.JobStatus]int64
}

var homepagetemplate = `<!doctype html>
<html>
<head>
	<style>
	html, body, #dashboard {
		height: 100%;
	}
	body {
		font-family: 'Helvetica Neue', Helvetica, Arial, sans-serif;
		margin: 0;
	}
	#dashboard {
		width: 100%;
	}
	#title {
		padding: 10px 5px;
		margin: 0;
	}
	#queue {
		padding: 0 5px;
		color: #555;
	}
	</style>
</head>
<body>
	<h3 id="title">bundler version {{ .Version }}</h3>
	<p id="queue">build jobs:{{ range $status, $count := .Counts }} {{ $status }} {{ $count }}{{ end }}</p>
	{{ if .URL }}<iframe height="100%" width="100%" id="dashboard" src="{{ .URL }}">{{ end }}
</body>
</html>`

func renderHomepage(w http.ResponseWriter, r *http.Request) {
	counts, err := build_jobs.GetCountsByStatus()
	if err != nil {
		counts = map[models.JobStatus]int64{}
	}
	tpl := template.Must(template.New("homepage").Parse(homepagetemplate))
	tpl.Execute(w, homepageData{
		Version: config.Version,
		URL:     os.Getenv("HOMEPAGE_IFRAME_URL"),
		Counts:  counts,
	})
}
