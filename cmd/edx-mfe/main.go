package main

import (
	"context"
	"crypto/subtle"
	"flag"
	"fmt"
	stdlog "log"
	"net/http"
	"strings"

	"github.com/SuriyaPasupathi/edx-mfe/api"
	"github.com/SuriyaPasupathi/edx-mfe/authn"
	"github.com/SuriyaPasupathi/edx-mfe/cmd/cli"
	"github.com/SuriyaPasupathi/edx-mfe/factories"
	mfehttp "github.com/SuriyaPasupathi/edx-mfe/http"
	"github.com/SuriyaPasupathi/edx-mfe/http/access"
	"github.com/SuriyaPasupathi/edx-mfe/http/proxy"
	"github.com/SuriyaPasupathi/edx-mfe/resolve"
	"github.com/SuriyaPasupathi/edx-mfe/rewrite"
	"github.com/SuriyaPasupathi/edx-mfe/upstream"
	"github.com/SuriyaPasupathi/edx-mfe/web"
	"github.com/SuriyaPasupathi/edx-mfe/webhook"

	"github.com/micromdm/nanolib/log/stdlogfmt"
)

// overridden by -ldflags -X
var version = "unknown"

const (
	endpointNavProxy     = "/openedx-proxy/"
	endpointStaticProxy  = "/openedx-static/"
	endpointDashboard    = "/dashboard-proxy/"
	endpointAccess       = "/access/"
	endpointAutoLogin    = "/auto-login/"
	endpointUserStatus   = "/user-status/"
	endpointGenerateLink = "/generate-link"
	endpointCustomLogin  = "/custom-login"
	endpointSSO          = "/sso"
	endpointManageUser   = "/manage-existing-user"
	endpointConfigCheck  = "/config-check"
	endpointTestOpenedx  = "/test-openedx"
	endpointTestFlow     = "/test-flow/"
	endpointWebhook      = "/webhook/course-completed"
	endpointVersion      = "/version"
)

func main() {
	cliStorage := cli.NewStorage()
	flag.Var(&cliStorage.Storage, "storage", "name of storage backend")
	flag.Var(&cliStorage.DSN, "dsn", "data source name (e.g. connection string or path)")
	var (
		flListen       = flag.String("listen", ":9000", "HTTP listen address")
		flAPIKey       = flag.String("api", "", "API key for management endpoints")
		flProxyBase    = flag.String("proxy-base", "http://localhost:9000", "public base URL of this proxy")
		flLMS          = flag.String("lms", "http://localhost:8000", "LMS origin URL")
		flLearning     = flag.String("learning", "", "learning micro-app origin URL")
		flAuthn        = flag.String("authn", "", "authn micro-app origin URL")
		flCourseID     = flag.String("course-id", "", "default course id for micro-app redirects")
		flDefaultPass  = flag.String("default-password", "", "password used to register and log in provisioned users")
		flWebhookURL   = flag.String("webhook-url", "", "URL to forward course completion events to")
		flAMQPURL      = flag.String("amqp-url", "", "AMQP connection string for event publishing")
		flAMQPExchange = flag.String("amqp-exchange", "edxmfe", "AMQP exchange for event publishing")
		flAMQPQueue    = flag.String("amqp-queue", "", "AMQP queue to consume course completion events from")
		flCookieSecure = flag.Bool("cookie-secure", false, "set SameSite=None; Secure on proxy cookies (requires TLS)")
		flDebug        = flag.Bool("debug", false, "log debug messages")
		flVersion      = flag.Bool("version", false, "print version")
	)
	flag.Parse()

	if *flVersion {
		fmt.Println(version)
		return
	}

	logger := stdlogfmt.New(stdlogfmt.WithDebugFlag(*flDebug))

	store, err := cliStorage.Parse(logger)
	if err != nil {
		stdlog.Fatal(err)
	}

	rewriter := rewrite.New(rewrite.Config{
		ProxyBase:      *flProxyBase,
		LMSOrigin:      *flLMS,
		LearningOrigin: *flLearning,
		AuthnOrigin:    *flAuthn,
		CourseID:       *flCourseID,
	})

	fetcher, err := upstream.New(*flLMS, rewriter, store,
		upstream.WithLogger(logger.With("component", "upstream")))
	if err != nil {
		stdlog.Fatal(err)
	}

	authnOpts := []authn.Option{authn.WithLogger(logger.With("component", "authn"))}
	if *flDefaultPass != "" {
		authnOpts = append(authnOpts, authn.WithDefaultPassword(*flDefaultPass))
	}
	authnClient, err := authn.New(*flLMS, authnOpts...)
	if err != nil {
		stdlog.Fatal(err)
	}

	resolver := resolve.New(store, logger.With("component", "resolve"))
	policy := proxy.CookiePolicy{Secure: *flCookieSecure}
	base := strings.TrimRight(*flProxyBase, "/")

	proxySvc := proxy.New(store, resolver, rewriter, fetcher, policy, base,
		logger.With("component", "proxy"))
	accessSvc := access.New(store, authnClient, rewriter, policy, base,
		logger.With("component", "access"))

	mux := http.NewServeMux()
	mwMux := mfehttp.NewChainMux(mux, mfehttp.FrameMiddleware)

	mwMux.Handle(endpointNavProxy, http.StripPrefix(strings.TrimSuffix(endpointNavProxy, "/"), proxySvc.NavHandler()))
	mwMux.Handle(endpointStaticProxy, http.StripPrefix(strings.TrimSuffix(endpointStaticProxy, "/"), proxySvc.StaticHandler()))
	mwMux.Handle(endpointDashboard, http.StripPrefix(strings.TrimSuffix(endpointDashboard, "/"), proxySvc.DashboardHandler()))

	mwMux.Handle(endpointAccess, http.StripPrefix(strings.TrimSuffix(endpointAccess, "/"), accessSvc.AccessHandler()))
	mwMux.Handle(endpointAutoLogin, http.StripPrefix(strings.TrimSuffix(endpointAutoLogin, "/"), accessSvc.AutoLoginHandler()))
	mwMux.Handle(endpointGenerateLink, accessSvc.GenerateLinkHandler())
	mwMux.Handle(endpointCustomLogin, accessSvc.CustomLoginHandler())
	mwMux.Handle(endpointSSO, accessSvc.SSOHandler())

	if *flWebhookURL != "" {
		forwarderOpts := []webhook.Option{webhook.WithLogger(logger.With("component", "webhook"))}
		var queue *factories.QueueFactory
		if *flAMQPURL != "" {
			queue, err = factories.NewQueueInstance(*flAMQPURL)
			if err != nil {
				stdlog.Fatal(err)
			}
			defer queue.Close()
			forwarderOpts = append(forwarderOpts,
				webhook.WithPublisher(webhook.NewQueuePublisher(queue, *flAMQPExchange, webhook.EventType)))
		}
		forwarder := webhook.New(*flWebhookURL, forwarderOpts...)
		mwMux.Handle(endpointWebhook, webhook.HandlerFunc(forwarder, logger.With("handler", "webhook")))

		if queue != nil && *flAMQPQueue != "" {
			consumer := webhook.NewConsumer(forwarder, logger.With("component", "consumer"))
			if err := queue.Consume(context.Background(), *flAMQPQueue, "edxmfe", consumer.Handle); err != nil {
				stdlog.Fatal(err)
			}
		}
	}

	if *flAPIKey != "" {
		const apiUsername = "edxmfe"

		info := &api.ConfigCheck{
			LMSOrigin:      *flLMS,
			LearningOrigin: *flLearning,
			AuthnOrigin:    *flAuthn,
			ProxyBase:      base,
			CourseID:       *flCourseID,
			Storage:        cliStorage.Storage.String(),
			WebhookURL:     *flWebhookURL,
			AMQPConfigured: *flAMQPURL != "",
		}

		var statusHandler http.Handler
		statusHandler = http.StripPrefix(strings.TrimSuffix(endpointUserStatus, "/"), accessSvc.UserStatusHandler())
		statusHandler = basicAuth(statusHandler, apiUsername, *flAPIKey, "edxmfe")
		mwMux.Handle(endpointUserStatus, statusHandler)

		mwMux.Handle(endpointManageUser, basicAuth(accessSvc.ManageExistingUserHandler(), apiUsername, *flAPIKey, "edxmfe"))
		mwMux.Handle(endpointConfigCheck, basicAuth(access.ConfigCheckHandler(info, logger), apiUsername, *flAPIKey, "edxmfe"))
		mwMux.Handle(endpointTestOpenedx, basicAuth(access.TestUpstreamHandler(http.DefaultClient, *flLMS, logger), apiUsername, *flAPIKey, "edxmfe"))

		var flowHandler http.Handler
		flowHandler = http.StripPrefix(strings.TrimSuffix(endpointTestFlow, "/"), accessSvc.TestFlowHandler())
		flowHandler = basicAuth(flowHandler, apiUsername, *flAPIKey, "edxmfe")
		mwMux.Handle(endpointTestFlow, flowHandler)
	}

	mux.HandleFunc(endpointVersion, mfehttp.VersionHandler(version))
	mux.Handle("/", web.IndexHandler(base, logger.With("handler", "index")))

	logger.Info("msg", "starting server", "listen", *flListen)
	err = http.ListenAndServe(*flListen, mfehttp.TraceLoggingMiddleware(mux, logger.With("handler", "log")))
	logs := []interface{}{"msg", "server shutdown"}
	if err != nil {
		logs = append(logs, "err", err)
	}
	logger.Info(logs...)
}

func basicAuth(next http.Handler, username, password, realm string) http.HandlerFunc {
	uBytes := []byte(username)
	pBytes := []byte(password)
	return func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), uBytes) != 1 || subtle.ConstantTimeCompare([]byte(p), pBytes) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="`+realm+`"`)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	}
}
