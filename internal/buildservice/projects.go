package buildservice

import (
	"context"
	"fmt"
	"net/url"
	"sort"
)

// ListAllProjects follows continuation tokens until the listing is
// exhausted and returns every project name, sorted.
func ListAllProjects(ctx context.Context, c Client) ([]string, error) {
	var all []string
	token := ""
	for {
		page, err := c.ListProjectsPage(ctx, token)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Projects...)
		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}
	sort.Strings(all)
	return all, nil
}

// ConsoleURL returns the web console address of a job.
func ConsoleURL(region, project, jobID string) string {
	return fmt.Sprintf("https://%s.console.aws.amazon.com/codesuite/codebuild/projects/%s/build/%s",
		region, project, url.PathEscape(jobID))
}
