package gate

import "html/template"

var homeTemplate = template.Must(template.New("home").Parse(`<!DOCTYPE html>
<html>
<head>
    <title>{{.Title}}</title>
    <style>
        body { font-family: Arial, sans-serif; max-width: 800px; margin: 50px auto; padding: 20px; }
        h1 { color: #333; }
        .status { padding: 10px; margin: 20px 0; border-radius: 5px; }
        .authenticated { background-color: #d4edda; color: #155724; }
        .unauthenticated { background-color: #f8d7da; color: #721c24; }
        .error { background-color: #fff3cd; color: #856404; }
        .button { display: inline-block; padding: 10px 20px; margin: 10px 5px; background-color: #007bff; color: white; text-decoration: none; border-radius: 5px; }
        .button:hover { background-color: #0056b3; }
        .logout { background-color: #dc3545; }
        .logout:hover { background-color: #c82333; }
    </style>
</head>
<body>
    <h1>{{.Title}}</h1>
    {{if .Error}}
    <div class="status error"><p>{{.Error}}</p></div>
    {{end}}
    {{if .Authenticated}}
    <div class="status authenticated">
        <p><strong>Signed in as {{.DisplayName}}</strong></p>
        {{if .Email}}<p>{{.Email}}</p>{{end}}
    </div>
    <a href="/dashboard" class="button">Open Dashboard</a>
    <a href="/logout" class="button logout">Logout</a>
    {{else if not .Disabled}}
    <div class="status unauthenticated">
        <p><strong>Not signed in</strong></p>
    </div>
    <a href="/login" class="button">Login</a>
    <a href="/login?hint=signup" class="button">Sign Up</a>
    <a href="/login?hint=google" class="button">Continue with Google</a>
    {{end}}
</body>
</html>`))

var plansTemplate = template.Must(template.New("plans").Parse(`<!DOCTYPE html>
<html>
<head>
    <title>Choose a plan</title>
    <style>
        body { font-family: Arial, sans-serif; max-width: 800px; margin: 50px auto; padding: 20px; }
        h1 { color: #333; }
        .plan { border: 1px solid #ddd; border-radius: 5px; padding: 20px; margin: 10px 0; }
        .button { display: inline-block; padding: 10px 20px; background-color: #007bff; color: white; text-decoration: none; border-radius: 5px; }
        .button:hover { background-color: #0056b3; }
    </style>
</head>
<body>
    <h1>Choose a plan</h1>
    {{range .Plans}}
    <div class="plan">
        <h2>{{.Label}}</h2>
        <a href="/plans/select?plan={{.ID}}" class="button">Select</a>
    </div>
    {{end}}
</body>
</html>`))

type homeView struct {
	Title         string
	Authenticated bool
	Disabled      bool
	DisplayName   string
	Email         string
	Error         string
}

type planView struct {
	ID    string
	Label string
}
