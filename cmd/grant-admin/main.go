package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-lambda-go/otellambda"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-lambda-go/otellambda/xrayconfig"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/labelops/label-grant-service/internal/audit"
	grantevents "github.com/labelops/label-grant-service/internal/events"
	"github.com/labelops/label-grant-service/internal/grant"
	"github.com/labelops/label-grant-service/internal/identity"
)

var (
	// Structured JSON logger
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
)

const (
	backendRest    = "rest"
	backendCognito = "cognito"

	metricGrantSucceeded = "AdminGrantSucceeded"
	metricGrantFailed    = "AdminGrantFailed"
)

// Response is the API Gateway proxy response
type Response struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// ResponseBody is the JSON body returned to the caller
type ResponseBody struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	User    map[string]any `json:"user,omitempty"`
}

// Granter performs the admin label grant
type Granter interface {
	Grant(ctx context.Context, userID, requestID string) (*grant.Result, error)
}

// MetricsPublisher publishes metrics to CloudWatch
type MetricsPublisher interface {
	PublishMetric(ctx context.Context, name string, value float64) error
}

// SecretsReader reads secrets from Secrets Manager
type SecretsReader interface {
	GetSecret(ctx context.Context, secretARN string) (string, error)
}

// SSMReader reads parameters from SSM Parameter Store
type SSMReader interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Config holds application configuration
type Config struct {
	Backend         string
	Endpoint        string
	ProjectID       string
	APIKey          string
	UserPoolID      string
	AuditTable      string
	EventQueueURL   string
	MetricNamespace string
}

// Dependencies for handler (injectable for testing)
type Dependencies struct {
	Granter   Granter
	Metrics   MetricsPublisher
	Config    Config
	ConfigErr error
}

var deps *Dependencies

// handler processes admin label grant requests
func handler(ctx context.Context, request events.APIGatewayProxyRequest) (Response, error) {
	tracer := otel.Tracer("grant-admin")
	ctx, span := tracer.Start(ctx, "GrantAdminHandler")
	defer span.End()

	requestID := request.RequestContext.RequestID
	span.SetAttributes(
		attribute.String("function", "grant-admin"),
		attribute.String("request_id", requestID),
	)

	// Required identity settings are checked before anything else; a
	// misconfigured function must answer without touching the service.
	if deps.ConfigErr != nil {
		logger.ErrorContext(ctx, "Function misconfigured",
			slog.String("request_id", requestID),
			slog.String("error", deps.ConfigErr.Error()),
		)
		return failureResponse(ctx, 500, "Function misconfiguration.")
	}

	body, err := decodeBody(request)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to decode request body",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
		return failureResponse(ctx, 400, "Invalid JSON payload provided.")
	}

	if body == "" {
		logger.ErrorContext(ctx, "Missing request body",
			slog.String("request_id", requestID),
		)
		return failureResponse(ctx, 400, "Missing request body.")
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		logger.ErrorContext(ctx, "Invalid JSON payload",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
		return failureResponse(ctx, 400, "Invalid JSON payload provided.")
	}

	userID, ok := payload["userId"].(string)
	if !ok || userID == "" {
		logger.WarnContext(ctx, "Missing required field: userId",
			slog.String("request_id", requestID),
		)
		return failureResponse(ctx, 400, "Missing required field: userId")
	}
	span.SetAttributes(attribute.String("user_id", userID))

	logger.InfoContext(ctx, "Granting admin label",
		slog.String("request_id", requestID),
		slog.String("user_id", userID),
	)

	result, err := deps.Granter.Grant(ctx, userID, requestID)
	if err != nil {
		return grantFailureResponse(ctx, userID, err)
	}

	logger.InfoContext(ctx, "Admin label added successfully",
		slog.String("request_id", requestID),
		slog.String("user_id", userID),
		slog.Bool("already_had_label", result.AlreadyHad),
		slog.String("grant_id", result.GrantID),
	)
	publishMetric(ctx, metricGrantSucceeded)

	return jsonResponse(200, ResponseBody{
		Success: true,
		Message: fmt.Sprintf("Admin label added successfully to user %s.", userID),
		User:    result.User.Attributes,
	})
}

// grantFailureResponse maps grant failures to HTTP responses. Structured
// service errors keep their code and message; anything else becomes a
// generic 500 with the detail only in the log.
func grantFailureResponse(ctx context.Context, userID string, err error) (Response, error) {
	var svcErr *identity.ServiceError
	if errors.As(err, &svcErr) {
		if svcErr.Code == 404 {
			logger.ErrorContext(ctx, "User not found",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
			return failureResponse(ctx, 404, fmt.Sprintf("User with ID %s not found.", userID))
		}

		code := svcErr.Code
		if code == 0 {
			code = 500
		}
		message := svcErr.Message
		if message == "" {
			message = identity.DefaultErrorMessage
		}
		logger.ErrorContext(ctx, "Identity service reported an error",
			slog.String("user_id", userID),
			slog.Int("service_code", svcErr.Code),
			slog.String("error", err.Error()),
		)
		return failureResponse(ctx, code, fmt.Sprintf("Failed to add admin label: %s", message))
	}

	logger.ErrorContext(ctx, "Unexpected error granting admin label",
		slog.String("user_id", userID),
		slog.String("error", err.Error()),
	)
	return failureResponse(ctx, 500, "Failed to add admin label due to an unexpected error.")
}

// decodeBody returns the raw request body, decoding base64 when API Gateway
// flags it as encoded
func decodeBody(request events.APIGatewayProxyRequest) (string, error) {
	if request.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(request.Body)
		if err != nil {
			return "", fmt.Errorf("failed to decode base64 body: %w", err)
		}
		return string(decoded), nil
	}
	return request.Body, nil
}

// failureResponse builds an error response and counts the failure
func failureResponse(ctx context.Context, statusCode int, message string) (Response, error) {
	publishMetric(ctx, metricGrantFailed)
	return jsonResponse(statusCode, ResponseBody{Success: false, Message: message})
}

// jsonResponse marshals the body into an API Gateway response
func jsonResponse(statusCode int, body ResponseBody) (Response, error) {
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		logger.Error("Failed to marshal response",
			slog.String("error", err.Error()),
		)
		return Response{
			StatusCode: 500,
			Headers:    map[string]string{"Content-Type": "application/json"},
			Body:       `{"success":false,"message":"Failed to add admin label due to an unexpected error."}`,
		}, nil
	}

	return Response{
		StatusCode: statusCode,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(bodyJSON),
	}, nil
}

func publishMetric(ctx context.Context, name string) {
	if deps.Metrics == nil {
		return
	}
	if err := deps.Metrics.PublishMetric(ctx, name, 1); err != nil {
		logger.WarnContext(ctx, "Failed to publish metric",
			slog.String("metric", name),
			slog.String("error", err.Error()),
		)
	}
}

// =============================================================================
// Real implementations
// =============================================================================

// RandomUUID implements grant.IDGenerator using random UUIDs
type RandomUUID struct{}

// Generate returns a new random UUID string
func (g *RandomUUID) Generate() string {
	return uuid.New().String()
}

// CloudWatchMetricsPublisher implements MetricsPublisher using CloudWatch
type CloudWatchMetricsPublisher struct {
	client    *cloudwatch.Client
	namespace string
}

// NewCloudWatchMetricsPublisher creates a new CloudWatchMetricsPublisher
func NewCloudWatchMetricsPublisher(client *cloudwatch.Client, namespace string) *CloudWatchMetricsPublisher {
	return &CloudWatchMetricsPublisher{
		client:    client,
		namespace: namespace,
	}
}

// PublishMetric publishes a metric to CloudWatch
func (p *CloudWatchMetricsPublisher) PublishMetric(ctx context.Context, name string, value float64) error {
	_, err := p.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(p.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(name),
				Value:      aws.Float64(value),
				Unit:       cwtypes.StandardUnitCount,
			},
		},
	})
	return err
}

// SecretsManagerReader implements SecretsReader using AWS Secrets Manager
type SecretsManagerReader struct {
	client *secretsmanager.Client
}

// NewSecretsManagerReader creates a new SecretsManagerReader
func NewSecretsManagerReader(client *secretsmanager.Client) *SecretsManagerReader {
	return &SecretsManagerReader{client: client}
}

// GetSecret retrieves a secret string from Secrets Manager
func (s *SecretsManagerReader) GetSecret(ctx context.Context, secretARN string) (string, error) {
	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretARN),
	})
	if err != nil {
		return "", err
	}

	if result.SecretString == nil {
		return "", fmt.Errorf("secret value is empty")
	}

	return *result.SecretString, nil
}

// SSMParameterReader implements SSMReader using AWS SSM
type SSMParameterReader struct {
	client *ssm.Client
}

// NewSSMParameterReader creates a new SSMParameterReader
func NewSSMParameterReader(client *ssm.Client) *SSMParameterReader {
	return &SSMParameterReader{client: client}
}

// GetParameter retrieves a parameter from SSM
func (r *SSMParameterReader) GetParameter(ctx context.Context, name string) (string, error) {
	result, err := r.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name: aws.String(name),
	})
	if err != nil {
		return "", err
	}

	if result.Parameter == nil || result.Parameter.Value == nil {
		return "", fmt.Errorf("parameter value is empty")
	}

	return *result.Parameter.Value, nil
}

// loadConfig resolves configuration from the environment, with optional
// indirection through SSM Parameter Store and Secrets Manager. A missing
// required setting is returned as an error, not a panic: the handler turns
// it into a misconfiguration response per invocation.
func loadConfig(ctx context.Context, secrets SecretsReader, params SSMReader) (Config, error) {
	cfg := Config{
		Backend:         os.Getenv("IDENTITY_BACKEND"),
		Endpoint:        os.Getenv("ENDPOINT"),
		ProjectID:       os.Getenv("PROJECT_ID"),
		APIKey:          os.Getenv("API_KEY"),
		UserPoolID:      os.Getenv("USER_POOL_ID"),
		AuditTable:      os.Getenv("AUDIT_TABLE"),
		EventQueueURL:   os.Getenv("EVENT_QUEUE_URL"),
		MetricNamespace: os.Getenv("METRIC_NAMESPACE"),
	}
	if cfg.Backend == "" {
		cfg.Backend = backendRest
	}

	if prefix := os.Getenv("CONFIG_PARAMETER_PREFIX"); prefix != "" {
		endpoint, err := params.GetParameter(ctx, prefix+"/endpoint")
		if err != nil {
			return cfg, fmt.Errorf("failed to read endpoint parameter: %w", err)
		}
		cfg.Endpoint = endpoint

		projectID, err := params.GetParameter(ctx, prefix+"/project-id")
		if err != nil {
			return cfg, fmt.Errorf("failed to read project-id parameter: %w", err)
		}
		cfg.ProjectID = projectID
	}

	if cfg.APIKey == "" {
		if secretARN := os.Getenv("API_KEY_SECRET_ARN"); secretARN != "" {
			apiKey, err := secrets.GetSecret(ctx, secretARN)
			if err != nil {
				return cfg, fmt.Errorf("failed to read API key secret: %w", err)
			}
			cfg.APIKey = apiKey
		}
	}

	switch cfg.Backend {
	case backendRest:
		var missing []string
		if cfg.Endpoint == "" {
			missing = append(missing, "ENDPOINT")
		}
		if cfg.ProjectID == "" {
			missing = append(missing, "PROJECT_ID")
		}
		if cfg.APIKey == "" {
			missing = append(missing, "API_KEY")
		}
		if len(missing) > 0 {
			return cfg, fmt.Errorf("missing required configuration: %v", missing)
		}
	case backendCognito:
		if cfg.UserPoolID == "" {
			return cfg, fmt.Errorf("missing required configuration: [USER_POOL_ID]")
		}
	default:
		return cfg, fmt.Errorf("unknown identity backend %q", cfg.Backend)
	}

	return cfg, nil
}

func main() {
	ctx := context.Background()

	// Initialize TracerProvider using xrayconfig for ADOT Lambda Layer
	tp, err := xrayconfig.NewTracerProvider(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to initialize tracer provider",
			slog.String("error", err.Error()),
		)
		panic(err)
	}
	otel.SetTracerProvider(tp)

	awscfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to load AWS config",
			slog.String("error", err.Error()),
		)
		panic(err)
	}
	otelaws.AppendMiddlewares(&awscfg.APIOptions)

	secretsReader := NewSecretsManagerReader(secretsmanager.NewFromConfig(awscfg))
	ssmReader := NewSSMParameterReader(ssm.NewFromConfig(awscfg))

	cfg, cfgErr := loadConfig(ctx, secretsReader, ssmReader)
	deps = &Dependencies{Config: cfg, ConfigErr: cfgErr}

	if cfgErr != nil {
		// Keep the function alive: every invocation answers with the
		// misconfiguration response instead of crashing the runtime.
		logger.Error("Function misconfigured",
			slog.String("error", cfgErr.Error()),
		)
	} else {
		var svc grant.Service
		switch cfg.Backend {
		case backendCognito:
			svc = identity.NewCognitoBackend(cognitoidentityprovider.NewFromConfig(awscfg), cfg.UserPoolID)
		default:
			svc = identity.NewClient(identity.Config{
				Endpoint:  cfg.Endpoint,
				ProjectID: cfg.ProjectID,
				APIKey:    cfg.APIKey,
			})
		}

		grantHandler := &grant.Handler{
			Identity: svc,
			IDGen:    &RandomUUID{},
		}
		if cfg.AuditTable != "" {
			store, err := audit.NewStore(ctx, cfg.AuditTable)
			if err != nil {
				logger.Error("FATAL: Failed to create audit store",
					slog.String("error", err.Error()),
				)
				panic(err)
			}
			grantHandler.Auditor = store
		}
		if cfg.EventQueueURL != "" {
			grantHandler.Events = grantevents.NewSQSPublisher(sqs.NewFromConfig(awscfg), cfg.EventQueueURL)
		}
		deps.Granter = grantHandler
	}

	if cfg.MetricNamespace != "" {
		deps.Metrics = NewCloudWatchMetricsPublisher(cloudwatch.NewFromConfig(awscfg), cfg.MetricNamespace)
	}

	// Wrap handler with OpenTelemetry instrumentation, passing our TracerProvider
	lambda.Start(otellambda.InstrumentHandler(handler, xrayconfig.WithRecommendedOptions(tp)...))
}
