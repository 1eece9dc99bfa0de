package config

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// parameterSource lists Parameter Store values below a path as name -> value.
type parameterSource interface {
	ParametersByPath(ctx context.Context, path string) (map[string]string, error)
}

type ssmParameterSource struct {
	client *ssm.Client
}

func newSSMParameterSource(awsConfig aws.Config) *ssmParameterSource {
	return &ssmParameterSource{client: ssm.NewFromConfig(awsConfig)}
}

func (s *ssmParameterSource) ParametersByPath(ctx context.Context, path string) (map[string]string, error) {
	params := make(map[string]string)
	paginator := ssm.NewGetParametersByPathPaginator(s.client, &ssm.GetParametersByPathInput{
		Path:           aws.String(path),
		Recursive:      aws.Bool(true),
		WithDecryption: aws.Bool(true),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read SSM parameters under %s: %w", path, err)
		}
		for _, p := range page.Parameters {
			params[aws.ToString(p.Name)] = aws.ToString(p.Value)
		}
	}
	return params, nil
}

// applySSMOverrides maps /prefix/section/key parameters onto the viper key section.key.
func applySSMOverrides(ctx context.Context, source parameterSource, prefix string) error {
	params, err := source.ParametersByPath(ctx, prefix)
	if err != nil {
		return err
	}
	for name, value := range params {
		key := ssmNameToKey(prefix, name)
		if key == "" {
			continue
		}
		log.Debugf("Applying SSM override for %s", key)
		viper.Set(key, value)
	}
	return nil
}

func ssmNameToKey(prefix, name string) string {
	rel := strings.TrimPrefix(name, strings.TrimRight(prefix, "/"))
	rel = strings.Trim(rel, "/")
	if rel == "" {
		return ""
	}
	return strings.ReplaceAll(rel, "/", ".")
}
