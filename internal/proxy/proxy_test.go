package proxy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipyard/internal/config"
	"shipyard/internal/fault"
	"shipyard/internal/remote/remotetest"
	"shipyard/pkg/templates"
)

func testSpec() config.DeploymentSpec {
	return config.DeploymentSpec{ProjectName: "demo", AppPort: 4000}
}

func TestConfigure_SitesAvailable(t *testing.T) {
	fake := remotetest.New().
		On(templates.ScriptProxyDetect, "layout=sites-available\n", 0).
		On(templates.ScriptProxyApply, `default_site=disabled
nginx=reloaded
site=/etc/nginx/sites-available/demo
link=/etc/nginx/sites-enabled/demo
`, 0)

	report, err := NewConfigurator(fake, nil).Configure(context.Background(), testSpec())
	require.NoError(t, err)

	assert.Equal(t, LayoutSitesAvailable, report.Layout)
	assert.Equal(t, "/etc/nginx/sites-available/demo", report.Site)
	assert.Equal(t, "/etc/nginx/sites-enabled/demo", report.Link)
	assert.Equal(t, "disabled", report.DefaultSite)
	assert.Equal(t, "reloaded", report.Nginx)

	assert.Equal(t, "sites-available", fake.Param(templates.ScriptProxyApply, "LAYOUT"))
	assert.Equal(t, "demo", fake.Param(templates.ScriptProxyApply, "PROJECT"))
	assert.Equal(t, "/etc/nginx", fake.Param(templates.ScriptProxyApply, "NGINX_DIR"))
	assert.Equal(t, "/etc/nginx", fake.Param(templates.ScriptProxyDetect, "NGINX_DIR"))

	call, _ := fake.Last(templates.ScriptProxyApply)
	assert.Contains(t, call.Stdin, "listen 80;")
	assert.Contains(t, call.Stdin, "server_name _;")
	assert.Contains(t, call.Stdin, "proxy_pass http://127.0.0.1:4000;")
	assert.Contains(t, call.Stdin, "proxy_set_header X-Forwarded-Proto $scheme;")
}

func TestConfigure_ConfD(t *testing.T) {
	fake := remotetest.New().
		On(templates.ScriptProxyDetect, "layout=conf.d\n", 0).
		On(templates.ScriptProxyApply, "default_site=absent\nnginx=started\n", 0)

	report, err := NewConfigurator(fake, nil).Configure(context.Background(), testSpec())
	require.NoError(t, err)
	assert.Equal(t, LayoutConfD, report.Layout)
	assert.Equal(t, "/etc/nginx/conf.d/demo.conf", report.Site)
	assert.Empty(t, report.Link)
	assert.Equal(t, "started", report.Nginx)
}

func TestConfigure_PortChangeReplacesUpstream(t *testing.T) {
	fake := remotetest.New().On(templates.ScriptProxyDetect, "layout=conf.d\n", 0)
	c := NewConfigurator(fake, nil)

	_, err := c.Configure(context.Background(), testSpec())
	require.NoError(t, err)

	spec := testSpec()
	spec.AppPort = 5000
	_, err = c.Configure(context.Background(), spec)
	require.NoError(t, err)

	call, _ := fake.Last(templates.ScriptProxyApply)
	assert.Contains(t, call.Stdin, "127.0.0.1:5000")
	assert.NotContains(t, call.Stdin, "4000")
	assert.Equal(t, 2, fake.Count(templates.ScriptProxyApply))
}

func TestConfigure_NoLayout(t *testing.T) {
	fake := remotetest.New().On(templates.ScriptProxyDetect, "layout=none\n", 0)

	_, err := NewConfigurator(fake, nil).Configure(context.Background(), testSpec())
	require.Error(t, err)
	assert.Equal(t, fault.ProxyFailed, fault.CodeOf(err))
	assert.Zero(t, fake.Count(templates.ScriptProxyApply))
}

func TestConfigure_ConfigInvalid(t *testing.T) {
	fake := remotetest.New().
		On(templates.ScriptProxyDetect, "layout=sites-available\n", 0).
		OnStderr(templates.ScriptProxyApply, `nginx: [emerg] invalid port in upstream "127.0.0.1:abc"
nginx configuration test failed; previous configuration restored`, 65)

	_, err := NewConfigurator(fake, nil).Configure(context.Background(), testSpec())
	require.Error(t, err)
	assert.Equal(t, fault.NginxConfigInvalid, fault.CodeOf(err))
	assert.Equal(t, fault.ExitProxy, fault.ExitCode(err))
	assert.Contains(t, err.Error(), "not reloaded")

	fe, _ := fault.As(err)
	assert.Contains(t, fe.Detail, "invalid port in upstream")
}

func TestConfigure_ApplyFailures(t *testing.T) {
	t.Run("script error", func(t *testing.T) {
		fake := remotetest.New().
			On(templates.ScriptProxyDetect, "layout=conf.d\n", 0).
			OnStderr(templates.ScriptProxyApply, "install: cannot create regular file", 1)

		_, err := NewConfigurator(fake, nil).Configure(context.Background(), testSpec())
		assert.Equal(t, fault.ProxyFailed, fault.CodeOf(err))
		assert.Contains(t, err.Error(), "cannot create regular file")
	})

	t.Run("transport", func(t *testing.T) {
		fake := remotetest.New().OnError(templates.ScriptProxyDetect, errors.New("EOF"))

		_, err := NewConfigurator(fake, nil).Configure(context.Background(), testSpec())
		assert.Equal(t, fault.ProxyFailed, fault.CodeOf(err))
	})
}

func TestLayoutSitePath(t *testing.T) {
	assert.Equal(t, "/etc/nginx/sites-available/demo", LayoutSitesAvailable.SitePath("demo"))
	assert.Equal(t, "/etc/nginx/conf.d/demo.conf", LayoutConfD.SitePath("demo"))
}
